package agent

import (
	"log/slog"
	"sync"

	"github.com/mtzanidakis/arable/internal/memory"
)

// Base carries the identity, status and memory view shared by concrete
// agents. Embed a *Base and call Begin/Finish around Execute.
type Base struct {
	id     string
	logger *slog.Logger
	mem    *memory.Namespace

	mu     sync.RWMutex
	status Status
}

func NewBase(id string, deps Deps) *Base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Base{
		id:     id,
		logger: logger.With("agent", id),
		status: StatusIdle,
	}
	if deps.Memory != nil {
		b.mem = deps.Memory.Namespace(id)
	}
	return b
}

func (b *Base) ID() string { return b.id }

func (b *Base) Logger() *slog.Logger { return b.logger }

// Memory returns the agent's memory view, or nil when the agent was built
// without a store.
func (b *Base) Memory() *memory.Namespace { return b.mem }

func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *Base) Begin() {
	b.SetStatus(StatusProcessing)
	b.logger.Debug("task started")
}

// Finish records the terminal status for r and returns it unchanged.
func (b *Base) Finish(r Result) Result {
	if r.Success {
		b.SetStatus(StatusCompleted)
		b.logger.Debug("task completed")
	} else {
		b.SetStatus(StatusError)
		b.logger.Warn("task failed", "error", r.Error, "kind", r.Kind())
	}
	return r
}

// Remember stores value in the agent's memory when one is attached.
// Failures are logged; memory is auxiliary to the task result.
func (b *Base) Remember(key string, value any, tags ...string) {
	if b.mem == nil {
		return
	}
	if err := b.mem.Put(key, value, tags...); err != nil {
		b.logger.Warn("memory write failed", "key", key, "error", err)
	}
}
