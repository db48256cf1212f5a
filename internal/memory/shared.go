package memory

import (
	"fmt"
	"log/slog"
)

// Tags used for workflow bookkeeping.
const (
	TagWorkflow   = "workflow"
	TagTaskResult = "task_result"
	TagShared     = "shared_from"
)

// Namespace is a view of the store bound to one agent.
type Namespace struct {
	store   *Store
	agentID string
}

// Namespace returns the view of agentID's memory.
func (s *Store) Namespace(agentID string) *Namespace {
	return &Namespace{store: s, agentID: agentID}
}

func (n *Namespace) AgentID() string { return n.agentID }

func (n *Namespace) Put(key string, value any, tags ...string) error {
	return n.store.Put(n.agentID, key, value, tags...)
}

func (n *Namespace) Get(key string, def any) any {
	return n.store.Get(n.agentID, key, def)
}

func (n *Namespace) Lookup(key string) (Entry, bool, error) {
	return n.store.Lookup(n.agentID, key)
}

func (n *Namespace) Search(tag string) ([]Entry, error) {
	return n.store.Search(n.agentID, tag)
}

func (n *Namespace) Delete(key string) error {
	return n.store.Delete(n.agentID, key)
}

// Share copies from's entry under key into to's memory as newKey (or key
// when newKey is empty). It reports false when the source key is absent.
func (s *Store) Share(from, to, key, newKey string) (bool, error) {
	src, ok, err := s.Lookup(from, key)
	if err != nil {
		return false, err
	}
	if !ok {
		slog.Warn("no memory to share", "from", from, "key", key)
		return false, nil
	}
	if newKey == "" {
		newKey = key
	}
	if err := s.Put(to, newKey, src.Value, TagShared, from); err != nil {
		return false, fmt.Errorf("share %s:%s -> %s:%s: %w", from, key, to, newKey, err)
	}
	slog.Info("memory shared", "from", from, "key", key, "to", to, "new_key", newKey)
	return true, nil
}

// WorkflowResultKey is the key under which a step result is stored.
func WorkflowResultKey(stepID string) string {
	return "workflow_result_" + stepID
}

// StoreWorkflowResult records a workflow step result in the agent's memory
// so later steps and runs can find it.
func (s *Store) StoreWorkflowResult(runID, agentID, stepID string, result any) error {
	return s.Put(agentID, WorkflowResultKey(stepID), result, TagWorkflow, runID, TagTaskResult)
}

// WorkflowMemory collects every entry tagged with runID across all agents,
// keyed by "agent:key".
func (s *Store) WorkflowMemory(runID string) (map[string]any, error) {
	agents, err := s.Agents()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, a := range agents {
		entries, err := s.Search(a, runID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.HasTag(TagWorkflow) {
				continue
			}
			out[a+":"+e.Key] = e.Value
		}
	}
	return out, nil
}

// Stats summarizes store usage.
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	Agents       int            `json:"agents_with_memory"`
	ByAgent      map[string]int `json:"memory_by_agent"`
	ByTag        map[string]int `json:"memory_by_tag"`
}

func (s *Store) Stats() (Stats, error) {
	agents, err := s.Agents()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		ByAgent: make(map[string]int),
		ByTag:   make(map[string]int),
	}
	for _, a := range agents {
		entries, err := s.List(a)
		if err != nil {
			return Stats{}, err
		}
		if len(entries) == 0 {
			continue
		}
		st.Agents++
		st.TotalEntries += len(entries)
		st.ByAgent[a] = len(entries)
		for _, e := range entries {
			for _, t := range e.Tags {
				st.ByTag[t]++
			}
		}
	}
	return st, nil
}
