package agents

import (
	"fmt"

	"github.com/mtzanidakis/arable/internal/agent"
)

// Registrar is the part of the registry used to install agent types.
type Registrar interface {
	Register(agentType, description string, f agent.Factory) error
}

var builtin = []struct {
	typ, desc string
	factory   agent.Factory
}{
	{TypeDocumentExtractor, "Extracts structured data from business documents", NewDocumentExtractor},
	{TypeMondayManager, "Manages Monday.com project boards and milestones", NewMondayManager},
}

// RegisterBuiltin installs every built-in agent type.
func RegisterBuiltin(r Registrar) error {
	for _, b := range builtin {
		if err := r.Register(b.typ, b.desc, b.factory); err != nil {
			return fmt.Errorf("register %s: %w", b.typ, err)
		}
	}
	return nil
}
