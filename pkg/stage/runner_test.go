package stage

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type memSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memSink) AppendLog(_, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *memSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestRunStreamsOutput(t *testing.T) {
	sink := &memSink{}
	runner := NewRunner(t.TempDir(), sink)

	err := runner.Run(context.Background(), "run-1", "compile", "echo one; echo two")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	lines := sink.snapshot()
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %v", lines)
	}
	if lines[0] != "[compile] one" || lines[1] != "[compile] two" {
		t.Fatalf("unexpected log lines: %v", lines)
	}
}

func TestRunCapturesStderr(t *testing.T) {
	sink := &memSink{}
	runner := NewRunner(t.TempDir(), sink)

	if err := runner.Run(context.Background(), "run-1", "lint", "echo warn >&2"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	lines := sink.snapshot()
	if len(lines) != 1 || lines[0] != "[lint] warn" {
		t.Fatalf("unexpected log lines: %v", lines)
	}
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	sink := &memSink{}
	runner := NewRunner(t.TempDir(), sink)

	err := runner.Run(context.Background(), "run-1", "test", "echo partial; exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "test") {
		t.Fatalf("error should name the stage: %v", err)
	}

	lines := sink.snapshot()
	if len(lines) != 1 || lines[0] != "[test] partial" {
		t.Fatalf("output before failure should still be captured: %v", lines)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	sink := &memSink{}
	runner := NewRunner(t.TempDir(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runner.Run(ctx, "run-1", "test", "sleep 30"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
