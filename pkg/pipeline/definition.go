package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StageSpec declares one verification stage: a named shell command run
// against the checked-out revision.
type StageSpec struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// Definition is the declared set of verification stages for a pipeline.
// Stages are independent and order-insensitive; only their conjunction
// gates promotion.
type Definition struct {
	Stages []StageSpec `yaml:"stages"`
}

// DefaultDefinition returns the stage set for the jab3 cargo workspace.
func DefaultDefinition() Definition {
	return Definition{Stages: []StageSpec{
		{Name: "compile", Command: "cargo check --workspace"},
		{Name: "format", Command: "cargo fmt --all -- --check"},
		{Name: "lint", Command: "cargo clippy --workspace --all-features -- -D warnings"},
		{Name: "test", Command: "cargo test --workspace"},
	}}
}

// LoadDefinition reads a pipeline definition from a YAML file. A missing
// file falls back to the default jab3 stage set.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDefinition(), nil
		}
		return Definition{}, fmt.Errorf("read pipeline definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("invalid pipeline definition %s: %w", path, err)
	}
	return def, nil
}

// Validate checks that every stage has a unique name and a command.
func (d Definition) Validate() error {
	if len(d.Stages) == 0 {
		return errors.New("no stages declared")
	}
	seen := make(map[string]struct{}, len(d.Stages))
	for _, stage := range d.Stages {
		name := strings.TrimSpace(stage.Name)
		if name == "" {
			return errors.New("stage with empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate stage name %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(stage.Command) == "" {
			return fmt.Errorf("stage %q has no command", name)
		}
	}
	return nil
}
