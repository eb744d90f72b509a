package image

import (
	"errors"
	"fmt"
	"strings"
)

// Recipe describes the two-stage container build: a compile stage with
// the full toolchain, and a runtime stage holding only the compiled
// binary and its system dependencies.
type Recipe struct {
	BuildImage      string   `json:"build_image"`
	RuntimeImage    string   `json:"runtime_image"`
	RuntimePackages []string `json:"runtime_packages"`
	BinaryName      string   `json:"binary_name"`
	BinaryPath      string   `json:"binary_path"`
}

// DefaultRecipe builds the jab3 release binary and packages it on a slim
// Debian base with the TLS library and CA trust roots it links against.
func DefaultRecipe() Recipe {
	return Recipe{
		BuildImage:      "rust:1.79-slim",
		RuntimeImage:    "debian:bookworm-slim",
		RuntimePackages: []string{"libssl3", "ca-certificates"},
		BinaryName:      "jab3",
		BinaryPath:      "/usr/local/bin/jab3",
	}
}

func (r Recipe) Validate() error {
	if strings.TrimSpace(r.BuildImage) == "" {
		return errors.New("build image is required")
	}
	if strings.TrimSpace(r.RuntimeImage) == "" {
		return errors.New("runtime image is required")
	}
	if strings.TrimSpace(r.BinaryName) == "" {
		return errors.New("binary name is required")
	}
	if strings.TrimSpace(r.BinaryPath) == "" {
		return errors.New("binary path is required")
	}
	return nil
}

// Render emits the build recipe. Only the compiled artifact crosses the
// stage boundary: the runtime stage never copies source, caches, or the
// toolchain.
func (r Recipe) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s AS build\n", r.BuildImage)
	b.WriteString("WORKDIR /src\n")
	b.WriteString("COPY . .\n")
	b.WriteString("RUN cargo build --release --locked\n")
	b.WriteString("\n")

	fmt.Fprintf(&b, "FROM %s\n", r.RuntimeImage)
	if len(r.RuntimePackages) > 0 {
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(r.RuntimePackages, " "))
	}
	fmt.Fprintf(&b, "COPY --from=build /src/target/release/%s %s\n", r.BinaryName, r.BinaryPath)
	fmt.Fprintf(&b, "ENTRYPOINT [%q]\n", r.BinaryPath)

	return b.String()
}
