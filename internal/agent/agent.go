// Package agent defines the contract every task-executing unit satisfies.
package agent

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/arable/internal/memory"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Agent performs one task at a time and reports a structured Result.
// Execute must not panic on bad input; missing or malformed payload keys
// are reported as a failed Result with kind task_input.
type Agent interface {
	ID() string
	Capabilities() []Capability
	Execute(ctx context.Context, task Task) Result
	Status() Status
}

// ConcurrencySafe is implemented by agents whose Execute may run for
// several steps at once. Agents without it are never scheduled
// concurrently with themselves.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// IsConcurrencySafe reports whether a declares concurrent execution safe.
func IsConcurrencySafe(a Agent) bool {
	cs, ok := a.(ConcurrencySafe)
	return ok && cs.ConcurrencySafe()
}

// Deps are the shared services handed to every agent at construction.
type Deps struct {
	Memory *memory.Store
	Logger *slog.Logger
}

// Factory builds an agent instance from its ID and agent-specific config.
type Factory func(id string, cfg map[string]any, deps Deps) (Agent, error)
