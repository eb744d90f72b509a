package stage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// LogSink receives stage output line by line, tagged with the run it
// belongs to.
type LogSink interface {
	AppendLog(runID, line string)
}

// Runner executes verification stage commands in the checkout directory.
// Each stage is an idempotent shell command; a non-zero exit fails the
// stage with no retry.
type Runner struct {
	shell string
	dir   string
	logs  LogSink
}

func NewRunner(dir string, logs LogSink) *Runner {
	return &Runner{shell: "/bin/sh", dir: dir, logs: logs}
}

// Checkout syncs the working tree to the triggering revision so every
// stage verifies the same tree.
func (r *Runner) Checkout(ctx context.Context, runID, ref string) error {
	return r.Run(ctx, runID, "checkout", fmt.Sprintf("git fetch --all --prune && git checkout --force %s", ref))
}

// Run executes one stage command, streaming stdout and stderr into the
// log sink prefixed with the stage name.
func (r *Runner) Run(ctx context.Context, runID, name, command string) error {
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	if strings.TrimSpace(r.dir) != "" {
		cmd.Dir = r.dir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stage %s: stdout pipe: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stage %s: stderr pipe: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("stage %s: start: %w", name, err)
	}

	done := make(chan struct{})
	go r.streamPipe(runID, name, stdout, done)
	go r.streamPipe(runID, name, stderr, done)

	// Drain both pipes before Wait closes them.
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	return nil
}

func (r *Runner) streamPipe(runID, name string, pipe io.Reader, done chan<- struct{}) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		r.logs.AppendLog(runID, fmt.Sprintf("[%s] %s", name, scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		r.logs.AppendLog(runID, fmt.Sprintf("[%s] log stream error: %v", name, err))
	}
	done <- struct{}{}
}
