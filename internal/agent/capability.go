package agent

import (
	"errors"
	"fmt"
)

// Capability describes one operation an agent supports.
type Capability struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	InputKinds  []string `json:"input_kinds" yaml:"input_kinds"`
	OutputKinds []string `json:"output_kinds" yaml:"output_kinds"`
}

// ValidateCapabilities checks that every capability is named and that no
// name appears twice.
func ValidateCapabilities(caps []Capability) error {
	seen := make(map[string]bool, len(caps))
	for i, c := range caps {
		if c.Name == "" {
			return fmt.Errorf("capability %d: %w", i, errors.New("empty name"))
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate capability %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Supports reports whether a declares a capability called name.
func Supports(a Agent, name string) bool {
	for _, c := range a.Capabilities() {
		if c.Name == name {
			return true
		}
	}
	return false
}

// CloneCapabilities returns a deep copy so callers cannot mutate an
// agent's declared list.
func CloneCapabilities(caps []Capability) []Capability {
	out := make([]Capability, len(caps))
	for i, c := range caps {
		c.InputKinds = append([]string(nil), c.InputKinds...)
		c.OutputKinds = append([]string(nil), c.OutputKinds...)
		out[i] = c
	}
	return out
}
