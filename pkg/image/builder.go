package image

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// LogSink receives build output line by line.
type LogSink interface {
	AppendLog(id, line string)
}

// Builder drives the container engine to assemble runtime images. A
// compile failure in the build stage aborts the whole build; no partial
// image is emitted.
type Builder struct {
	docker string
	logs   LogSink
}

func NewBuilder(logs LogSink) *Builder {
	return &Builder{docker: "docker", logs: logs}
}

// Build runs the two-stage build for contextDir, tagging the result.
func (b *Builder) Build(ctx context.Context, id, contextDir, tag string, recipe Recipe) error {
	if err := recipe.Validate(); err != nil {
		return fmt.Errorf("invalid recipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.docker, "build", "-t", tag, "-f", "-", contextDir)
	cmd.Stdin = strings.NewReader(recipe.Render())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start image build: %w", err)
	}

	done := make(chan struct{})
	go b.streamPipe(id, stdout, done)
	go b.streamPipe(id, stderr, done)
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("image build failed: %w", err)
	}
	return nil
}

func (b *Builder) streamPipe(id string, pipe io.Reader, done chan<- struct{}) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		b.logs.AppendLog(id, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		b.logs.AppendLog(id, fmt.Sprintf("log stream error: %v", err))
	}
	done <- struct{}{}
}

// ImageInfo is the subset of the engine's inspect output the builder
// verifies after a build.
type ImageInfo struct {
	Entrypoint []string
	Size       int64
}

func (b *Builder) Inspect(ctx context.Context, tag string) (ImageInfo, error) {
	out, err := exec.CommandContext(ctx, b.docker, "image", "inspect", tag).Output()
	if err != nil {
		return ImageInfo{}, fmt.Errorf("inspect image %s: %w", tag, err)
	}

	var parsed []struct {
		Size   int64 `json:"Size"`
		Config struct {
			Entrypoint []string `json:"Entrypoint"`
		} `json:"Config"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return ImageInfo{}, fmt.Errorf("decode inspect output: %w", err)
	}
	if len(parsed) == 0 {
		return ImageInfo{}, fmt.Errorf("image %s not found", tag)
	}
	return ImageInfo{Entrypoint: parsed[0].Config.Entrypoint, Size: parsed[0].Size}, nil
}

// VerifyRuntime checks the assembled image against the recipe: the entry
// point must execute the copied binary directly.
func (b *Builder) VerifyRuntime(ctx context.Context, tag string, recipe Recipe) error {
	info, err := b.Inspect(ctx, tag)
	if err != nil {
		return err
	}
	if len(info.Entrypoint) != 1 || info.Entrypoint[0] != recipe.BinaryPath {
		return fmt.Errorf("image %s entrypoint %v, want [%s]", tag, info.Entrypoint, recipe.BinaryPath)
	}
	return nil
}

// ExportBinary pulls the compiled artifact back out of the image for
// archiving.
func (b *Builder) ExportBinary(ctx context.Context, tag string, recipe Recipe) ([]byte, error) {
	out, err := exec.CommandContext(ctx, b.docker, "create", tag).Output()
	if err != nil {
		return nil, fmt.Errorf("create container from %s: %w", tag, err)
	}
	containerID := strings.TrimSpace(string(out))
	defer func() {
		_ = exec.Command(b.docker, "rm", "-f", containerID).Run()
	}()

	// docker cp to stdout emits a tar stream holding the single file.
	cpOut, err := exec.CommandContext(ctx, b.docker, "cp", containerID+":"+recipe.BinaryPath, "-").Output()
	if err != nil {
		return nil, fmt.Errorf("copy binary from container: %w", err)
	}

	reader := tar.NewReader(bytes.NewReader(cpOut))
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read binary archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read binary: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("binary %s not found in image %s", recipe.BinaryPath, tag)
}
