package image

import (
	"strings"
	"testing"
)

func TestRenderTwoStageRecipe(t *testing.T) {
	rendered := DefaultRecipe().Render()

	if got := strings.Count(rendered, "FROM "); got != 2 {
		t.Fatalf("expected 2 build stages, got %d:\n%s", got, rendered)
	}
	if !strings.Contains(rendered, "FROM rust:1.79-slim AS build") {
		t.Fatalf("missing compile stage:\n%s", rendered)
	}
	if !strings.Contains(rendered, "RUN cargo build --release --locked") {
		t.Fatalf("missing release build:\n%s", rendered)
	}
	if !strings.Contains(rendered, "COPY --from=build /src/target/release/jab3 /usr/local/bin/jab3") {
		t.Fatalf("missing artifact copy:\n%s", rendered)
	}
	if !strings.Contains(rendered, `ENTRYPOINT ["/usr/local/bin/jab3"]`) {
		t.Fatalf("entry point must execute the binary directly:\n%s", rendered)
	}
	if !strings.Contains(rendered, "libssl3") || !strings.Contains(rendered, "ca-certificates") {
		t.Fatalf("runtime stage missing system dependencies:\n%s", rendered)
	}
}

func TestRuntimeStageDoesNotLeakToolchainOrSource(t *testing.T) {
	rendered := DefaultRecipe().Render()

	idx := strings.LastIndex(rendered, "FROM ")
	runtimeStage := rendered[idx:]

	if strings.Contains(runtimeStage, "cargo") {
		t.Fatalf("runtime stage references the toolchain:\n%s", runtimeStage)
	}
	if strings.Contains(runtimeStage, "COPY . .") {
		t.Fatalf("runtime stage copies the source tree:\n%s", runtimeStage)
	}
	if strings.Contains(runtimeStage, "rust") {
		t.Fatalf("runtime stage based on the build image:\n%s", runtimeStage)
	}
}

func TestRecipeWithoutPackagesSkipsInstall(t *testing.T) {
	recipe := DefaultRecipe()
	recipe.RuntimePackages = nil

	if strings.Contains(recipe.Render(), "apt-get") {
		t.Fatal("package install emitted with no packages declared")
	}
}

func TestRecipeValidate(t *testing.T) {
	if err := DefaultRecipe().Validate(); err != nil {
		t.Fatalf("default recipe invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Recipe)
	}{
		{"no build image", func(r *Recipe) { r.BuildImage = "" }},
		{"no runtime image", func(r *Recipe) { r.RuntimeImage = " " }},
		{"no binary name", func(r *Recipe) { r.BinaryName = "" }},
		{"no binary path", func(r *Recipe) { r.BinaryPath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recipe := DefaultRecipe()
			tc.mutate(&recipe)
			if err := recipe.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
