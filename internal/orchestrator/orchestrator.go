// Package orchestrator runs single tasks and dependency-ordered workflows
// against registered agents.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/config"
	"github.com/mtzanidakis/arable/internal/memory"
	"github.com/mtzanidakis/arable/internal/natsbus"
	"github.com/mtzanidakis/arable/internal/registry"
	"github.com/mtzanidakis/arable/internal/store"
)

const defaultMaxConcurrent = 3

var ErrNoStore = errors.New("run history requires a store")

// StepListener is called after each step of a run finishes or is skipped.
type StepListener func(runID string, step StepResult)

type Orchestrator struct {
	registry *registry.Registry
	memory   *memory.Store
	store    *store.Store
	events   natsbus.Publisher

	cfg   config.OrchestratorConfig
	cfgMu sync.RWMutex

	locks *agentLocks
	runs  *runTracker

	listeners  []StepListener
	listenerMu sync.RWMutex

	newRunID func() string
}

type Option func(*Orchestrator)

// WithMemory stores step results in the agents' memory when the config
// enables store_results.
func WithMemory(m *memory.Store) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithStore persists workflow runs.
func WithStore(s *store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithEvents publishes lifecycle events.
func WithEvents(p natsbus.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func New(reg *registry.Registry, cfg config.OrchestratorConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		cfg:      cfg,
		locks:    newAgentLocks(),
		runs:     newRunTracker(),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UpdateConfig replaces the orchestrator settings used by new runs.
func (o *Orchestrator) UpdateConfig(cfg config.OrchestratorConfig) {
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
}

func (o *Orchestrator) config() config.OrchestratorConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// OnStepComplete registers a listener for step completions of every run.
func (o *Orchestrator) OnStepComplete(l StepListener) {
	o.listenerMu.Lock()
	o.listeners = append(o.listeners, l)
	o.listenerMu.Unlock()
}

func (o *Orchestrator) notify(runID string, sr StepResult) {
	o.listenerMu.RLock()
	listeners := make([]StepListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("step listener panicked", "run", runID, "step", sr.StepID, "panic", r)
				}
			}()
			l(runID, sr)
		}()
	}
}

// RunTask executes task on one agent and returns the agent's result. The
// only error is an unknown agent; every failure inside the agent,
// including a panic, comes back as a failed Result.
func (o *Orchestrator) RunTask(ctx context.Context, agentID string, task agent.Task) (agent.Result, error) {
	a, err := o.registry.Get(agentID)
	if err != nil {
		return agent.Result{}, err
	}

	if !agent.IsConcurrencySafe(a) {
		if err := o.locks.Lock(ctx, agentID); err != nil {
			return agent.Failure(fmt.Errorf("waiting for agent %s: %w", agentID, err)), nil
		}
	}

	timeout := agent.Task(task).DurationOr("timeout", o.config().DefaultTimeout)
	start := time.Now()
	res, done := attempt(ctx, a, task, timeout)
	if !agent.IsConcurrencySafe(a) {
		o.locks.UnlockAfter(agentID, done)
	}

	slog.Info("task finished", "agent", agentID, "success", res.Success, "duration", time.Since(start))
	o.publish(natsbus.TopicEventsAgent(agentID), "task_completed", "", map[string]any{
		"agent":      agentID,
		"success":    res.Success,
		"error":      res.Error,
		"error_kind": string(res.ErrorKind),
	})
	return res, nil
}

// Status returns the persisted record of a run.
func (o *Orchestrator) Status(runID string) (*store.WorkflowRun, error) {
	if o.store == nil {
		return nil, ErrNoStore
	}
	run, err := o.store.GetWorkflowRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("workflow run %s not found", runID)
	}
	return run, nil
}

// Progress returns the live view of runID while it executes in this
// process.
func (o *Orchestrator) Progress(runID string) (RunInfo, bool) {
	return o.runs.Get(runID)
}

// Busy reports whether agentID holds the exclusive lock for a task run by
// this orchestrator.
func (o *Orchestrator) Busy(agentID string) bool {
	return o.locks.Held(agentID)
}

// Active lists runs currently executing in this process.
func (o *Orchestrator) Active() []RunInfo {
	return o.runs.List()
}

// Abort stops launching new steps for runID. Steps already running finish.
func (o *Orchestrator) Abort(runID string) bool {
	ok := o.runs.Abort(runID)
	if ok {
		slog.Info("workflow abort requested", "run", runID)
	}
	return ok
}

func (o *Orchestrator) publish(topic, eventType, runID string, data map[string]any) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishJSON(topic, natsbus.NewEvent(eventType, runID, data)); err != nil {
		slog.Debug("publish event failed", "topic", topic, "type", eventType, "error", err)
	}
}

// statusSetter is implemented by agents embedding *agent.Base.
type statusSetter interface {
	SetStatus(agent.Status)
}

// invoke calls Execute and converts a panic into an agent_fault result.
// A panicking agent never reaches Finish, so its status is set here.
func invoke(ctx context.Context, a agent.Agent, task agent.Task) (res agent.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent fault", "agent", a.ID(), "panic", r, "stack", string(debug.Stack()))
			if s, ok := a.(statusSetter); ok {
				s.SetStatus(agent.StatusError)
			}
			res = agent.Result{
				Success:   false,
				Error:     fmt.Sprintf("agent fault: %v", r),
				ErrorKind: agent.KindAgentFault,
			}
		}
	}()

	res = a.Execute(ctx, task)
	if !res.Success {
		if res.ErrorKind == "" {
			res.ErrorKind = agent.KindFailed
		}
		if res.Error == "" {
			res.Error = "agent reported failure without an error message"
		}
	}
	return res
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// attempt runs one Execute call bounded by timeout (zero means none). The
// returned channel is closed when Execute has actually returned; after a
// timeout that can be later than attempt itself.
func attempt(ctx context.Context, a agent.Agent, task agent.Task, timeout time.Duration) (agent.Result, <-chan struct{}) {
	if timeout <= 0 {
		return invoke(ctx, a, task), closedDone
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan struct{})
	resCh := make(chan agent.Result, 1)
	go func() {
		defer close(done)
		defer cancel()
		resCh <- invoke(ctx, a, task)
	}()

	select {
	case res := <-resCh:
		return res, done
	case <-ctx.Done():
		// Prefer a result that raced the deadline.
		select {
		case res := <-resCh:
			return res, done
		default:
		}
		return agent.Result{
			Success:   false,
			Error:     fmt.Sprintf("timed out after %s", timeout),
			ErrorKind: agent.KindTimeout,
		}, done
	}
}
