// Package router resolves a task target to a live agent, either by ID or
// by a capability the agent declares.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/registry"
)

var ErrNoProvider = errors.New("no agent provides capability")

type Router struct {
	registry *registry.Registry
	busy     func(agentID string) bool
}

type Option func(*Router)

// WithBusy adds a check for agents that are occupied even though their
// status does not say so yet, such as one locked by an orchestrator.
func WithBusy(busy func(agentID string) bool) Option {
	return func(r *Router) { r.busy = busy }
}

func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{registry: reg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves target to an agent ID. "@name" must name a live agent.
// A bare name is an agent ID when one exists, otherwise a capability
// name served by the first idle provider in ID order, or the first
// provider when all are busy.
func (r *Router) Route(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("empty route target")
	}

	if name, ok := strings.CutPrefix(target, "@"); ok {
		if _, err := r.registry.Get(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if _, err := r.registry.Get(target); err == nil {
		return target, nil
	}

	providers := r.Providers(target)
	if len(providers) == 0 {
		return "", fmt.Errorf("%w %q", ErrNoProvider, target)
	}
	for _, p := range providers {
		if p.Status != agent.StatusProcessing && (r.busy == nil || !r.busy(p.ID)) {
			slog.Debug("routed by capability", "capability", target, "agent", p.ID)
			return p.ID, nil
		}
	}
	slog.Debug("all providers busy, using first", "capability", target, "agent", providers[0].ID)
	return providers[0].ID, nil
}

// Providers lists the live agents declaring capability, sorted by ID.
func (r *Router) Providers(capability string) []registry.Info {
	var out []registry.Info
	for _, info := range r.registry.List() {
		a, err := r.registry.Get(info.ID)
		if err != nil {
			continue
		}
		if agent.Supports(a, capability) {
			out = append(out, info)
		}
	}
	return out
}
