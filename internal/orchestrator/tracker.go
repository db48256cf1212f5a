package orchestrator

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// RunInfo is a live view of an in-flight workflow run.
type RunInfo struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Total      int       `json:"total_steps"`
	Finished   int       `json:"finished_steps"`
	Running    []string  `json:"running_steps"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

type trackedRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

type runTracker struct {
	runs map[string]*trackedRun // run ID → run
	mu   sync.RWMutex
}

func newRunTracker() *runTracker {
	return &runTracker{
		runs: make(map[string]*trackedRun),
	}
}

func (t *runTracker) Start(id, workflow string, total int, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.runs[id] = &trackedRun{
		info: RunInfo{
			ID:         id,
			Workflow:   workflow,
			Total:      total,
			StartedAt:  now,
			LastActive: now,
		},
		cancel: cancel,
	}
}

func (t *runTracker) Get(id string) (RunInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[id]
	if !ok {
		return RunInfo{}, false
	}
	return snapshot(r.info), true
}

func (t *runTracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, id)
}

func (t *runTracker) StepStarted(id, stepID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[id]; ok {
		r.info.Running = append(r.info.Running, stepID)
		r.info.LastActive = time.Now()
	}
}

func (t *runTracker) StepFinished(id, stepID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[id]; ok {
		if i := slices.Index(r.info.Running, stepID); i >= 0 {
			r.info.Running = slices.Delete(r.info.Running, i, i+1)
		}
		r.info.Finished++
		r.info.LastActive = time.Now()
	}
}

// Abort cancels the run's dispatch context. It reports false when the run
// is not active.
func (t *runTracker) Abort(id string) bool {
	t.mu.RLock()
	r, ok := t.runs[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// List returns active runs, oldest first.
func (t *runTracker) List() []RunInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RunInfo, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, snapshot(r.info))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func snapshot(info RunInfo) RunInfo {
	info.Running = slices.Clone(info.Running)
	return info
}
