package orchestrator

import (
	"context"
	"sync"
)

// agentLocks keeps one instance from executing two tasks at once across
// every run served by an Orchestrator. Unlock broadcasts on Changed so
// dispatchers blocked on a busy agent can retry.
type agentLocks struct {
	mu      sync.Mutex
	held    map[string]bool
	changed chan struct{}
}

func newAgentLocks() *agentLocks {
	return &agentLocks{
		held:    make(map[string]bool),
		changed: make(chan struct{}),
	}
}

func (l *agentLocks) TryLock(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[agentID] {
		return false
	}
	l.held[agentID] = true
	return true
}

func (l *agentLocks) Unlock(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, agentID)
	close(l.changed)
	l.changed = make(chan struct{})
}

// Changed returns a channel closed by the next Unlock.
func (l *agentLocks) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// Lock waits until agentID is free or ctx is done.
func (l *agentLocks) Lock(ctx context.Context, agentID string) error {
	for {
		ch := l.Changed()
		if l.TryLock(agentID) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// UnlockAfter releases agentID once done is closed.
func (l *agentLocks) UnlockAfter(agentID string, done <-chan struct{}) {
	select {
	case <-done:
		l.Unlock(agentID)
	default:
		go func() {
			<-done
			l.Unlock(agentID)
		}()
	}
}

func (l *agentLocks) Held(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[agentID]
}
