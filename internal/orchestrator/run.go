package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/natsbus"
	"github.com/mtzanidakis/arable/internal/store"
	"github.com/mtzanidakis/arable/internal/workflow"
)

type stepState int

const (
	statePending stepState = iota
	stateRunning
	stateDone
)

// RunWorkflow executes def and blocks until every step has finished or
// been skipped. A definition error or an unknown agent is returned before
// anything runs; step failures are reported in the result.
func (o *Orchestrator) RunWorkflow(ctx context.Context, def *workflow.Definition) (*WorkflowResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	agents := make(map[string]agent.Agent)
	for _, id := range def.Agents() {
		a, err := o.registry.Get(id)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", def.Name, err)
		}
		agents[id] = a
	}

	cfg := o.config()
	maxConc := def.MaxConcurrent
	if maxConc <= 0 {
		maxConc = cfg.MaxConcurrent
	}
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrent
	}

	runID := o.newRunID()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.runs.Start(runID, def.Name, len(def.Steps), cancel)
	defer o.runs.Remove(runID)

	res := &WorkflowResult{
		RunID:     runID,
		Workflow:  def.Name,
		StartedAt: time.Now(),
	}
	log := slog.With("run", runID, "workflow", def.Name)
	log.Info("workflow started", "steps", len(def.Steps), "max_concurrent", maxConc)

	o.saveRun(res, def)
	o.publish(natsbus.TopicEventsWorkflow(runID), "workflow_started", runID, map[string]any{
		"workflow": def.Name,
		"steps":    len(def.Steps),
	})

	d := &dispatcher{
		o:       o,
		def:     def,
		runID:   runID,
		agents:  agents,
		maxConc: maxConc,
		state:   make(map[string]stepState, len(def.Steps)),
		outputs: make(map[string]agent.Result),
		skipped: make(map[string]StepResult),
		events:  make(chan stepEvent, 2*len(def.Steps)),
		log:     log,
	}
	d.loop(runCtx)

	res.Aborted = d.aborted
	res.Steps = d.finished
	for _, s := range def.Steps {
		if sr, ok := d.skipped[s.ID]; ok {
			res.Steps = append(res.Steps, sr)
		}
	}
	res.Succeeded = !d.aborted
	var firstFailed string
	for _, sr := range d.finished {
		if sr.Status != StepFailed {
			continue
		}
		if firstFailed == "" {
			firstFailed = sr.StepID
		}
		if !sr.Optional && res.FailedStep == "" {
			res.FailedStep = sr.StepID
			res.Succeeded = false
		}
	}
	for _, sr := range d.skipped {
		if !sr.Optional {
			res.Succeeded = false
		}
	}
	if !res.Succeeded && res.FailedStep == "" {
		res.FailedStep = firstFailed
	}
	res.CompletedAt = time.Now()

	counts := res.Counts()
	log.Info("workflow finished",
		"succeeded", res.Succeeded,
		"aborted", res.Aborted,
		"failed_step", res.FailedStep,
		"ok", counts[StepSucceeded],
		"failed", counts[StepFailed],
		"skipped", counts[StepSkipped],
		"duration", res.Duration(),
	)

	o.finishRun(res)
	o.publish(natsbus.TopicEventsWorkflow(runID), "workflow_completed", runID, map[string]any{
		"workflow":    def.Name,
		"status":      res.RunStatus(),
		"failed_step": res.FailedStep,
		"total":       len(def.Steps),
		"successful":  counts[StepSucceeded],
		"failed":      counts[StepFailed],
		"skipped":     counts[StepSkipped],
	})
	return res, nil
}

// stepEvent is sent by a step goroutine: first its result, then a release
// once the agent call it abandoned on timeout has returned. Both travel on
// one channel so the release never overtakes the result.
type stepEvent struct {
	result  StepResult
	release bool
}

// dispatcher owns the scheduling state of one run. Only loop touches it;
// step goroutines report back over events. A slot stays taken until its
// release arrives, so running counts live agent calls.
type dispatcher struct {
	o       *Orchestrator
	def     *workflow.Definition
	runID   string
	agents  map[string]agent.Agent
	maxConc int

	state    map[string]stepState
	outputs  map[string]agent.Result // succeeded step → result
	finished []StepResult            // completion order
	skipped  map[string]StepResult
	running  int
	aborted  bool

	events chan stepEvent
	log    *slog.Logger
}

func (d *dispatcher) loop(ctx context.Context) {
	for {
		if !d.aborted && ctx.Err() != nil {
			d.aborted = true
			d.log.Warn("workflow aborted, waiting for running steps", "running", d.running)
		}

		// Read the channel before trying locks so an Unlock between the
		// two is not missed.
		changed := d.o.locks.Changed()
		blocked := false
		if !d.aborted {
			blocked = d.launch(ctx)
		}

		if d.running == 0 && (d.aborted || !blocked) {
			break
		}

		var wake <-chan struct{}
		if blocked {
			wake = changed
		}
		var cancelled <-chan struct{}
		if !d.aborted {
			cancelled = ctx.Done()
		}

		select {
		case ev := <-d.events:
			if ev.release {
				d.running--
			} else {
				d.complete(ev.result)
			}
		case <-wake:
		case <-cancelled:
		}
	}

	for _, s := range d.def.Steps {
		if d.state[s.ID] == statePending {
			d.skip(s, "workflow aborted")
		}
	}
}

// launch starts ready steps in declaration order until the concurrency
// limit is reached. It reports whether a ready step was held back because
// its agent is busy.
func (d *dispatcher) launch(ctx context.Context) (blocked bool) {
	for _, s := range d.def.Steps {
		if d.running >= d.maxConc {
			return blocked
		}
		if d.state[s.ID] != statePending || !d.ready(s) {
			continue
		}

		a := d.agents[s.Agent]
		exclusive := !agent.IsConcurrencySafe(a)
		if exclusive && !d.o.locks.TryLock(s.Agent) {
			blocked = true
			continue
		}

		previous := make(map[string]any, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			previous[dep] = d.outputs[dep].Map()
		}

		d.state[s.ID] = stateRunning
		d.running++
		go func(s workflow.Step) {
			sr, done := d.o.executeStep(ctx, d.runID, s, a, exclusive, previous)
			d.events <- stepEvent{result: sr}
			<-done
			d.events <- stepEvent{release: true}
		}(s)
	}
	return blocked
}

func (d *dispatcher) ready(s workflow.Step) bool {
	for _, dep := range s.DependsOn {
		if _, ok := d.outputs[dep]; !ok {
			return false
		}
	}
	return true
}

func (d *dispatcher) complete(sr StepResult) {
	d.state[sr.StepID] = stateDone
	d.finished = append(d.finished, sr)

	if sr.Status == StepSucceeded {
		d.outputs[sr.StepID] = sr.Result
		return
	}

	reason := fmt.Sprintf("dependency %s failed", sr.StepID)
	for _, id := range d.def.Dependents(sr.StepID) {
		if d.state[id] != statePending {
			continue
		}
		s, _ := d.def.Step(id)
		d.skip(s, reason)
	}
}

func (d *dispatcher) skip(s workflow.Step, reason string) {
	sr := StepResult{
		StepID:    s.ID,
		Agent:     s.Agent,
		Status:    StepSkipped,
		Optional:  s.Optional,
		Result:    agent.Result{Success: false, Error: reason, ErrorKind: agent.KindSkipped},
		Error:     reason,
		ErrorKind: agent.KindSkipped,
	}
	d.state[s.ID] = stateDone
	d.skipped[s.ID] = sr
	d.o.runs.StepFinished(d.runID, s.ID)

	d.log.Info("step skipped", "step", s.ID, "reason", reason)
	d.o.publish(natsbus.TopicEventsWorkflow(d.runID), "step_skipped", d.runID, map[string]any{
		"step":   s.ID,
		"agent":  s.Agent,
		"reason": reason,
	})
	d.o.notify(d.runID, sr)
}

// executeStep runs one step with its retry policy. The run context only
// gates retries; an attempt in flight always runs to completion or to its
// own timeout. The returned channel closes once the last agent call has
// returned, which is later than the result when that call timed out.
func (o *Orchestrator) executeStep(runCtx context.Context, runID string, step workflow.Step, a agent.Agent, exclusive bool, previous map[string]any) (StepResult, <-chan struct{}) {
	cfg := o.config()
	policy := step.RetryPolicy()
	timeout := step.EffectiveTimeout(cfg.DefaultTimeout)
	log := slog.With("run", runID, "step", step.ID, "agent", step.Agent)
	topic := natsbus.TopicEventsWorkflow(runID)

	task := agent.Task(step.Task).Clone()
	if task == nil {
		task = agent.Task{}
	}
	task["previous_results"] = previous

	sr := StepResult{
		StepID:    step.ID,
		Agent:     step.Agent,
		Optional:  step.Optional,
		StartedAt: time.Now(),
	}
	o.runs.StepStarted(runID, step.ID)
	o.publish(topic, "step_started", runID, map[string]any{"step": step.ID, "agent": step.Agent})
	log.Debug("step started", "timeout", timeout, "max_retries", policy.MaxRetries)

	stepCtx := context.WithoutCancel(runCtx)
	var done <-chan struct{} = closedDone
	for {
		// An abandoned attempt must return before the agent is called again.
		<-done
		sr.Attempts++

		var r agent.Result
		r, done = attempt(stepCtx, a, task, timeout)
		sr.Result = r

		if r.Success || !r.Kind().Retryable() || sr.Attempts > policy.MaxRetries {
			break
		}
		if runCtx.Err() != nil {
			log.Info("not retrying step, workflow aborted", "attempts", sr.Attempts)
			break
		}

		log.Warn("step failed, retrying", "attempt", sr.Attempts, "kind", r.Kind(), "error", r.Error, "delay", policy.Delay.Std())
		o.publish(topic, "step_retry", runID, map[string]any{
			"step":    step.ID,
			"attempt": sr.Attempts,
			"error":   r.Error,
		})
		if !sleep(runCtx, policy.Delay.Std()) {
			break
		}
	}
	if exclusive {
		o.locks.UnlockAfter(step.Agent, done)
	}
	sr.CompletedAt = time.Now()

	if sr.Result.Success {
		sr.Status = StepSucceeded
		log.Info("step succeeded", "attempts", sr.Attempts, "duration", sr.CompletedAt.Sub(sr.StartedAt))
	} else {
		sr.Status = StepFailed
		sr.Error = sr.Result.Error
		sr.ErrorKind = sr.Result.Kind()
		log.Error("step failed", "attempts", sr.Attempts, "kind", sr.ErrorKind, "error", sr.Error)
	}

	if o.memory != nil && cfg.StoreResults {
		if err := o.memory.StoreWorkflowResult(runID, step.Agent, step.ID, sr.Result.Map()); err != nil {
			log.Warn("store step result failed", "error", err)
		}
	}

	o.runs.StepFinished(runID, step.ID)
	o.publish(topic, "step_completed", runID, map[string]any{
		"step":       step.ID,
		"agent":      step.Agent,
		"status":     string(sr.Status),
		"attempts":   sr.Attempts,
		"error":      sr.Error,
		"error_kind": string(sr.ErrorKind),
	})
	o.notify(runID, sr)
	return sr, done
}

// sleep waits for d or until ctx is done, reporting whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) saveRun(res *WorkflowResult, def *workflow.Definition) {
	if o.store == nil {
		return
	}
	raw, err := json.Marshal(def)
	if err != nil {
		slog.Warn("encode workflow definition failed", "run", res.RunID, "error", err)
	}
	run := &store.WorkflowRun{
		ID:         res.RunID,
		Workflow:   res.Workflow,
		Status:     store.RunRunning,
		Definition: raw,
		StartedAt:  res.StartedAt,
	}
	if err := o.store.SaveWorkflowRun(run); err != nil {
		slog.Warn("save workflow run failed", "run", res.RunID, "error", err)
	}
}

func (o *Orchestrator) finishRun(res *WorkflowResult) {
	if o.store == nil {
		return
	}
	raw, err := json.Marshal(res.Steps)
	if err != nil {
		slog.Warn("encode workflow results failed", "run", res.RunID, "error", err)
		return
	}
	if err := o.store.UpdateWorkflowRun(res.RunID, res.RunStatus(), res.FailedStep, raw); err != nil {
		slog.Warn("update workflow run failed", "run", res.RunID, "error", err)
	}
}
