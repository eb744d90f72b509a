package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDefinitionIsValid(t *testing.T) {
	def := DefaultDefinition()
	if err := def.Validate(); err != nil {
		t.Fatalf("default definition invalid: %v", err)
	}
	if len(def.Stages) != 4 {
		t.Fatalf("expected 4 default stages, got %d", len(def.Stages))
	}
	names := make([]string, 0, len(def.Stages))
	for _, stage := range def.Stages {
		names = append(names, stage.Name)
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"compile", "format", "lint", "test"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("default stages missing %q: %v", want, names)
		}
	}
}

func TestLoadDefinitionMissingFileFallsBack(t *testing.T) {
	def, err := LoadDefinition(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if len(def.Stages) != 4 {
		t.Fatalf("expected default stages, got %+v", def.Stages)
	}
}

func TestLoadDefinitionParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := `stages:
  - name: compile
    command: cargo check
  - name: test
    command: cargo test
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(def.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %+v", def.Stages)
	}
	if def.Stages[1].Command != "cargo test" {
		t.Fatalf("unexpected command: %q", def.Stages[1].Command)
	}
}

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"empty", Definition{}},
		{"empty name", Definition{Stages: []StageSpec{{Name: " ", Command: "x"}}}},
		{"empty command", Definition{Stages: []StageSpec{{Name: "lint", Command: ""}}}},
		{"duplicate name", Definition{Stages: []StageSpec{
			{Name: "test", Command: "a"},
			{Name: "test", Command: "b"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.def.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
