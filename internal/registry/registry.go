// Package registry maps agent types to factories and tracks live agent
// instances.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/config"
	"github.com/mtzanidakis/arable/internal/store"
	"github.com/mtzanidakis/arable/internal/vault"
)

var (
	ErrUnknownAgentType = errors.New("unknown agent type")
	ErrDuplicateAgentID = errors.New("agent id already in use")
	ErrAgentNotFound    = errors.New("agent not found")
)

// TypeInfo describes a registered agent type.
type TypeInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Info is a snapshot of one live agent.
type Info struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Description  string             `json:"description,omitempty"`
	Status       agent.Status       `json:"status"`
	Capabilities []agent.Capability `json:"capabilities"`
}

type registration struct {
	description string
	factory     agent.Factory
}

type instance struct {
	agent       agent.Agent
	agentType   string
	description string
}

type Registry struct {
	deps    agent.Deps
	store   *store.Store
	secrets *vault.Secrets

	mu    sync.RWMutex
	types map[string]registration
	live  map[string]*instance
}

type Option func(*Registry)

// WithStore persists created agents to the sqlite agents table.
func WithStore(s *store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithSecrets resolves "secret:<name>" config values through the vault.
func WithSecrets(s *vault.Secrets) Option {
	return func(r *Registry) { r.secrets = s }
}

func New(deps agent.Deps, opts ...Option) *Registry {
	r := &Registry{
		deps:  deps,
		types: make(map[string]registration),
		live:  make(map[string]*instance),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds an agent type to the registration table.
func (r *Registry) Register(agentType, description string, f agent.Factory) error {
	if agentType == "" || f == nil {
		return errors.New("register: agent type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[agentType]; ok {
		return fmt.Errorf("register: agent type %q already registered", agentType)
	}
	r.types[agentType] = registration{description: description, factory: f}
	return nil
}

// Discover returns the registered agent types, sorted. Nothing is
// instantiated.
func (r *Registry) Discover() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Types() []TypeInfo {
	names := r.Discover()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeInfo, 0, len(names))
	for _, n := range names {
		out = append(out, TypeInfo{Type: n, Description: r.types[n].description})
	}
	return out
}

// Create instantiates agentType as agentID and makes it live.
func (r *Registry) Create(agentType, agentID string, cfg map[string]any) (agent.Agent, error) {
	return r.create(agentType, agentID, "", cfg)
}

func (r *Registry) create(agentType, agentID, description string, cfg map[string]any) (agent.Agent, error) {
	if agentID == "" {
		return nil, errors.New("create: agent id is required")
	}

	r.mu.RLock()
	reg, known := r.types[agentType]
	_, taken := r.live[agentID]
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("create %s: %w: %q", agentID, ErrUnknownAgentType, agentType)
	}
	if taken {
		return nil, fmt.Errorf("create %s: %w", agentID, ErrDuplicateAgentID)
	}
	if description == "" {
		description = reg.description
	}

	resolved := cfg
	if vault.HasReferences(cfg) {
		if r.secrets == nil {
			return nil, fmt.Errorf("create %s: config references secrets but no vault is configured", agentID)
		}
		var err error
		if resolved, err = r.secrets.Resolve(cfg); err != nil {
			return nil, fmt.Errorf("create %s: %w", agentID, err)
		}
	}
	if resolved == nil {
		resolved = map[string]any{}
	}

	a, err := reg.factory(agentID, resolved, r.deps)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", agentID, err)
	}
	if a.ID() != agentID {
		closeAgent(a)
		return nil, fmt.Errorf("create %s: factory returned agent %q", agentID, a.ID())
	}
	if err := agent.ValidateCapabilities(a.Capabilities()); err != nil {
		closeAgent(a)
		return nil, fmt.Errorf("create %s: %w", agentID, err)
	}

	r.mu.Lock()
	if _, taken := r.live[agentID]; taken {
		r.mu.Unlock()
		closeAgent(a)
		return nil, fmt.Errorf("create %s: %w", agentID, ErrDuplicateAgentID)
	}
	r.live[agentID] = &instance{agent: a, agentType: agentType, description: description}
	r.mu.Unlock()

	if r.store != nil {
		// The unresolved config is stored so secrets never reach the
		// database in plaintext.
		rec := &store.Agent{ID: agentID, Type: agentType, Description: description, Config: cfg}
		if err := r.store.SaveAgent(rec); err != nil {
			slog.Warn("persist agent failed", "agent", agentID, "error", err)
		}
	}

	slog.Info("agent created", "agent", agentID, "type", agentType)
	return a, nil
}

func (r *Registry) Get(agentID string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.live[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return inst.agent, nil
}

// Shutdown closes the agent (when it implements io.Closer) and drops it
// from the live set. Shutting down an absent agent is a no-op.
func (r *Registry) Shutdown(agentID string) error {
	r.mu.Lock()
	inst, ok := r.live[agentID]
	delete(r.live, agentID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := closeAgent(inst.agent); err != nil {
		return fmt.Errorf("shutdown %s: %w", agentID, err)
	}
	slog.Info("agent shut down", "agent", agentID)
	return nil
}

func (r *Registry) ShutdownAll() error {
	var errs []error
	for _, id := range r.ids() {
		if err := r.Shutdown(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListStatus returns a point-in-time status per live agent.
func (r *Registry) ListStatus() map[string]agent.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]agent.Status, len(r.live))
	for id, inst := range r.live {
		out[id] = inst.agent.Status()
	}
	return out
}

// List returns live agents sorted by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.live))
	for id, inst := range r.live {
		out = append(out, Info{
			ID:           id,
			Type:         inst.agentType,
			Description:  inst.description,
			Status:       inst.agent.Status(),
			Capabilities: agent.CloneCapabilities(inst.agent.Capabilities()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sync makes the live set match the enabled definitions: missing agents are
// created, agents no longer defined (or disabled) are shut down, and stale
// store rows are removed. Agents already live with the same type are kept.
func (r *Registry) Sync(defs map[string]config.AgentDefinition) error {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		errs    []error
		enabled []string
	)
	for _, name := range names {
		def := defs[name]
		if !def.IsEnabled() {
			continue
		}
		enabled = append(enabled, name)

		r.mu.RLock()
		inst, ok := r.live[name]
		r.mu.RUnlock()
		if ok {
			if inst.agentType == def.Type {
				continue
			}
			if err := r.Shutdown(name); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := r.create(def.Type, name, def.Description, def.Config); err != nil {
			errs = append(errs, err)
		}
	}

	keep := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		keep[id] = true
	}
	for _, id := range r.ids() {
		if !keep[id] {
			if err := r.Shutdown(id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if r.store != nil {
		if err := r.store.DeleteAgentsNotIn(enabled); err != nil {
			errs = append(errs, fmt.Errorf("delete stale agents: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func closeAgent(a agent.Agent) error {
	if c, ok := a.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
