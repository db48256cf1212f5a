package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/config"
	"github.com/mtzanidakis/arable/internal/memory"
	"github.com/mtzanidakis/arable/internal/natsbus"
	"github.com/mtzanidakis/arable/internal/registry"
	"github.com/mtzanidakis/arable/internal/store"
	"github.com/mtzanidakis/arable/internal/workflow"
	"go.uber.org/goleak"
)

type execFunc func(ctx context.Context, task agent.Task) agent.Result

type testAgent struct {
	*agent.Base
	exec  execFunc
	calls atomic.Int32
}

func (a *testAgent) Capabilities() []agent.Capability {
	return []agent.Capability{{Name: "test"}}
}

func (a *testAgent) Execute(ctx context.Context, task agent.Task) agent.Result {
	a.calls.Add(1)
	a.Begin()
	return a.Finish(a.exec(ctx, task))
}

type safeAgent struct{ *testAgent }

func (safeAgent) ConcurrencySafe() bool { return true }

func succeed(context.Context, agent.Task) agent.Result { return agent.Success(nil) }

func fail(context.Context, agent.Task) agent.Result {
	return agent.Failure(errors.New("boom"))
}

// gauge tracks how many callers are inside a section at once.
type gauge struct {
	mu       sync.Mutex
	cur, max int
}

func (g *gauge) enter() {
	g.mu.Lock()
	g.cur++
	g.max = max(g.max, g.cur)
	g.mu.Unlock()
}

func (g *gauge) leave() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *gauge) reset() {
	g.mu.Lock()
	g.cur, g.max = 0, 0
	g.mu.Unlock()
}

func (g *gauge) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []natsbus.Event
}

func (p *recordingPublisher) PublishJSON(_ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := v.(natsbus.Event); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func newTestOrchestrator(t *testing.T, cfg config.OrchestratorConfig, opts ...Option) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New(agent.Deps{})
	return New(reg, cfg, opts...), reg
}

func addAgent(t *testing.T, reg *registry.Registry, a agent.Agent) {
	t.Helper()
	typ := "test_" + a.ID()
	factory := func(string, map[string]any, agent.Deps) (agent.Agent, error) { return a, nil }
	if err := reg.Register(typ, "", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Create(typ, a.ID(), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func newAgent(t *testing.T, reg *registry.Registry, id string, exec execFunc) *testAgent {
	t.Helper()
	a := &testAgent{Base: agent.NewBase(id, agent.Deps{}), exec: exec}
	addAgent(t, reg, a)
	return a
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	a := newAgent(t, reg, "echo", func(_ context.Context, task agent.Task) agent.Result {
		return agent.Success(map[string]any{"got": task.StringOr("msg", "")})
	})

	res, err := o.RunTask(context.Background(), "echo", agent.Task{"msg": "hi"})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if !res.Success || res.Data["got"] != "hi" {
		t.Errorf("result = %+v", res)
	}
	if a.Status() != agent.StatusCompleted {
		t.Errorf("status = %s", a.Status())
	}
}

func TestRunTaskUnknownAgent(t *testing.T) {
	o, _ := newTestOrchestrator(t, config.OrchestratorConfig{})
	if _, err := o.RunTask(context.Background(), "ghost", agent.Task{}); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestRunTaskPanicIsAgentFault(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	a := newAgent(t, reg, "bad", func(context.Context, agent.Task) agent.Result {
		panic("nil map")
	})

	res, err := o.RunTask(context.Background(), "bad", agent.Task{})
	if err != nil {
		t.Fatalf("a panic must not surface as an error: %v", err)
	}
	if res.Success || res.ErrorKind != agent.KindAgentFault {
		t.Errorf("result = %+v", res)
	}

	// The lock is released after a fault.
	if o.locks.Held("bad") {
		t.Error("agent lock still held")
	}
	if st := a.Status(); st != agent.StatusError {
		t.Errorf("status after panic = %s, want %s", st, agent.StatusError)
	}
}

func TestRunTaskTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "slow", func(ctx context.Context, _ agent.Task) agent.Result {
		<-ctx.Done()
		return agent.Failure(ctx.Err())
	})

	start := time.Now()
	res, _ := o.RunTask(context.Background(), "slow", agent.Task{"timeout": "50ms"})
	if res.ErrorKind != agent.KindTimeout {
		t.Errorf("kind = %s, want timeout", res.ErrorKind)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestRunTaskFillsMissingFailureFields(t *testing.T) {
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "terse", func(context.Context, agent.Task) agent.Result {
		return agent.Result{Success: false}
	})

	res, _ := o.RunTask(context.Background(), "terse", nil)
	if res.ErrorKind != agent.KindFailed || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestWorkflowIndependentSteps(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "a", succeed)
	newAgent(t, reg, "b", succeed)

	def := &workflow.Definition{Name: "pair", Steps: []workflow.Step{
		{ID: "one", Agent: "a"},
		{ID: "two", Agent: "b"},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded || res.FailedStep != "" || len(res.Steps) != 2 {
		t.Errorf("result = %+v", res)
	}
	for _, sr := range res.Steps {
		if sr.Status != StepSucceeded || sr.Attempts != 1 {
			t.Errorf("step %s = %+v", sr.StepID, sr)
		}
	}
	if len(o.Active()) != 0 {
		t.Error("run still tracked after completion")
	}
}

func TestWorkflowConcurrencyBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{MaxConcurrent: 5})

	var g gauge
	work := func(context.Context, agent.Task) agent.Result {
		g.enter()
		defer g.leave()
		time.Sleep(30 * time.Millisecond)
		return agent.Success(nil)
	}
	def := &workflow.Definition{Name: "fan", MaxConcurrent: 2}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		newAgent(t, reg, id, work)
		def.Steps = append(def.Steps, workflow.Step{ID: id, Agent: id})
	}

	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded {
		t.Errorf("result = %+v", res)
	}
	if p := g.peak(); p > 2 {
		t.Errorf("observed %d concurrent steps, limit is 2", p)
	}
}

func TestWorkflowFailureSkipsDependents(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "a", fail)
	b := newAgent(t, reg, "b", succeed)
	newAgent(t, reg, "c", succeed)

	def := &workflow.Definition{Name: "chain", Steps: []workflow.Step{
		{ID: "A", Agent: "a"},
		{ID: "B", Agent: "b", DependsOn: []string{"A"}},
		{ID: "C", Agent: "c"},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Succeeded || res.FailedStep != "A" {
		t.Errorf("succeeded=%v failed_step=%q", res.Succeeded, res.FailedStep)
	}
	if b.calls.Load() != 0 {
		t.Error("dependent of a failed step must not run")
	}

	sb, _ := res.Step("B")
	if sb.Status != StepSkipped || sb.ErrorKind != agent.KindSkipped || sb.Attempts != 0 {
		t.Errorf("B = %+v", sb)
	}
	if sc, _ := res.Step("C"); sc.Status != StepSucceeded {
		t.Errorf("C = %+v", sc)
	}
	if last := res.Steps[len(res.Steps)-1]; last.StepID != "B" {
		t.Errorf("skipped steps should be listed last, got %s", last.StepID)
	}

	counts := res.Counts()
	if counts[StepSucceeded] != 1 || counts[StepFailed] != 1 || counts[StepSkipped] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestWorkflowCycleFailsFast(t *testing.T) {
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	a := newAgent(t, reg, "a", succeed)

	def := &workflow.Definition{Name: "loop", Steps: []workflow.Step{
		{ID: "x", Agent: "a", DependsOn: []string{"y"}},
		{ID: "y", Agent: "a", DependsOn: []string{"x"}},
	}}
	_, err := o.RunWorkflow(context.Background(), def)
	var verr *workflow.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Cycle) == 0 {
		t.Error("cycle not reported")
	}
	if a.calls.Load() != 0 {
		t.Error("no step may run for an invalid workflow")
	}
}

func TestWorkflowUnknownAgent(t *testing.T) {
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	a := newAgent(t, reg, "a", succeed)

	def := &workflow.Definition{Name: "x", Steps: []workflow.Step{
		{ID: "first", Agent: "a"},
		{ID: "second", Agent: "ghost", DependsOn: []string{"first"}},
	}}
	if _, err := o.RunWorkflow(context.Background(), def); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if a.calls.Load() != 0 {
		t.Error("no step may run when an agent is missing")
	}
}

func TestWorkflowRetries(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})

	var n atomic.Int32
	newAgent(t, reg, "flaky", func(context.Context, agent.Task) agent.Result {
		if n.Add(1) < 3 {
			return agent.Failure(errors.New("transient"))
		}
		return agent.Success(nil)
	})
	newAgent(t, reg, "broken", fail)

	retry := &workflow.RetryPolicy{MaxRetries: 2, Delay: workflow.Duration(5 * time.Millisecond)}
	def := &workflow.Definition{Name: "retry", Steps: []workflow.Step{
		{ID: "flaky", Agent: "flaky", Retry: retry},
		{ID: "broken", Agent: "broken", Task: map[string]any{"max_retries": 1}},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sr, _ := res.Step("flaky"); sr.Status != StepSucceeded || sr.Attempts != 3 {
		t.Errorf("flaky = %+v", sr)
	}
	if sr, _ := res.Step("broken"); sr.Status != StepFailed || sr.Attempts != 2 || sr.ErrorKind != agent.KindFailed {
		t.Errorf("broken = %+v", sr)
	}
}

func TestWorkflowTaskInputNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	a := newAgent(t, reg, "strict", func(_ context.Context, task agent.Task) agent.Result {
		if _, err := task.GetString("document_path"); err != nil {
			return agent.Failure(err)
		}
		return agent.Success(nil)
	})

	def := &workflow.Definition{Name: "input", Steps: []workflow.Step{
		{ID: "s", Agent: "strict", Retry: &workflow.RetryPolicy{MaxRetries: 3}},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sr, _ := res.Step("s")
	if sr.ErrorKind != agent.KindTaskInput || sr.Attempts != 1 || a.calls.Load() != 1 {
		t.Errorf("step = %+v, calls = %d", sr, a.calls.Load())
	}
}

func TestWorkflowTimeoutWaitsForAbandonedAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})

	var g gauge
	var n atomic.Int32
	newAgent(t, reg, "stubborn", func(context.Context, agent.Task) agent.Result {
		g.enter()
		defer g.leave()
		if n.Add(1) == 1 {
			// Ignores cancellation.
			time.Sleep(150 * time.Millisecond)
			return agent.Failure(errors.New("late"))
		}
		return agent.Success(nil)
	})

	def := &workflow.Definition{Name: "timeout", Steps: []workflow.Step{
		{
			ID:      "s",
			Agent:   "stubborn",
			Timeout: workflow.Duration(30 * time.Millisecond),
			Retry:   &workflow.RetryPolicy{MaxRetries: 1},
		},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sr, _ := res.Step("s")
	if sr.Status != StepSucceeded || sr.Attempts != 2 {
		t.Errorf("step = %+v", sr)
	}
	if p := g.peak(); p != 1 {
		t.Errorf("agent ran %d executions at once", p)
	}
}

func TestWorkflowTimedOutStepKeepsSlot(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})

	var g gauge
	var slowReturned atomic.Bool
	newAgent(t, reg, "slow", func(context.Context, agent.Task) agent.Result {
		g.enter()
		defer g.leave()
		time.Sleep(200 * time.Millisecond)
		slowReturned.Store(true)
		return agent.Success(nil)
	})
	newAgent(t, reg, "quick", func(context.Context, agent.Task) agent.Result {
		g.enter()
		defer g.leave()
		return agent.Success(nil)
	})

	def := &workflow.Definition{Name: "slot", MaxConcurrent: 1, Steps: []workflow.Step{
		{ID: "a", Agent: "slow", Timeout: workflow.Duration(20 * time.Millisecond)},
		{ID: "b", Agent: "quick"},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slowReturned.Load() {
		t.Error("workflow returned while a started step was still executing")
	}
	if p := g.peak(); p != 1 {
		t.Errorf("observed %d concurrent executions, limit is 1", p)
	}
	if sr, _ := res.Step("a"); sr.ErrorKind != agent.KindTimeout {
		t.Errorf("step a = %+v", sr)
	}
	if sr, _ := res.Step("b"); sr.Status != StepSucceeded {
		t.Errorf("step b = %+v", sr)
	}
}

func TestWorkflowTimedOutStepSkipsDependentsEarly(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})

	newAgent(t, reg, "slow", func(context.Context, agent.Task) agent.Result {
		time.Sleep(150 * time.Millisecond)
		return agent.Success(nil)
	})
	newAgent(t, reg, "next", succeed)

	var mu sync.Mutex
	var order []string
	var skippedAfter time.Duration
	start := time.Now()
	o.OnStepComplete(func(_ string, sr StepResult) {
		mu.Lock()
		order = append(order, sr.StepID+":"+string(sr.Status))
		if sr.Status == StepSkipped {
			skippedAfter = time.Since(start)
		}
		mu.Unlock()
	})

	def := &workflow.Definition{Name: "skip", Steps: []workflow.Step{
		{ID: "a", Agent: "slow", Timeout: workflow.Duration(20 * time.Millisecond)},
		{ID: "b", Agent: "next", DependsOn: []string{"a"}},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sr, _ := res.Step("b"); sr.Status != StepSkipped {
		t.Errorf("step b = %+v", sr)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "a:failed" || order[1] != "b:skipped" {
		t.Errorf("order = %v", order)
	}	// Dependents are skipped on the timeout, not when the late call returns.
	if skippedAfter >= 120*time.Millisecond {
		t.Errorf("dependent skipped after %s", skippedAfter)
	}
}

func TestWorkflowTimeoutKind(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{DefaultTimeout: 20 * time.Millisecond})
	newAgent(t, reg, "slow", func(ctx context.Context, _ agent.Task) agent.Result {
		<-ctx.Done()
		return agent.Failure(ctx.Err())
	})

	def := &workflow.Definition{Name: "t", Steps: []workflow.Step{{ID: "s", Agent: "slow"}}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Succeeded || res.Steps[0].ErrorKind != agent.KindTimeout {
		t.Errorf("result = %+v", res)
	}
}

func TestWorkflowPreviousResults(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "producer", func(context.Context, agent.Task) agent.Result {
		return agent.Success(map[string]any{"value": 42})
	})

	var got map[string]any
	newAgent(t, reg, "consumer", func(_ context.Context, task agent.Task) agent.Result {
		prev, err := task.GetMap("previous_results")
		if err != nil {
			return agent.Failure(err)
		}
		got = prev
		return agent.Success(nil)
	})

	def := &workflow.Definition{Name: "prev", Steps: []workflow.Step{
		{ID: "p", Agent: "producer"},
		{ID: "c", Agent: "consumer", DependsOn: []string{"p"}, Task: map[string]any{"x": 1}},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil || !res.Succeeded {
		t.Fatalf("run: %v %+v", err, res)
	}
	p, ok := got["p"].(map[string]any)
	if !ok || p["value"] != 42 || p["success"] != true {
		t.Errorf("previous_results = %v", got)
	}
	if _, ok := def.Steps[1].Task["previous_results"]; ok {
		t.Error("definition payload must not be mutated")
	}
}

func TestWorkflowStoresResultsInMemory(t *testing.T) {
	mem, err := memory.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{StoreResults: true}, WithMemory(mem))
	newAgent(t, reg, "a", func(context.Context, agent.Task) agent.Result {
		return agent.Success(map[string]any{"n": 1})
	})

	def := &workflow.Definition{Name: "mem", Steps: []workflow.Step{{ID: "s", Agent: "a"}}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatal(err)
	}

	v, ok := mem.Get("a", memory.WorkflowResultKey("s"), nil).(map[string]any)
	if !ok || v["success"] != true {
		t.Fatalf("stored result = %v", v)
	}
	wm, err := mem.WorkflowMemory(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(wm) != 1 {
		t.Errorf("workflow memory = %v", wm)
	}
}

func TestWorkflowListeners(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "a", fail)
	newAgent(t, reg, "b", succeed)

	var mu sync.Mutex
	seen := map[string]StepStatus{}
	o.OnStepComplete(func(string, StepResult) { panic("listener bug") })
	o.OnStepComplete(func(_ string, sr StepResult) {
		mu.Lock()
		seen[sr.StepID] = sr.Status
		mu.Unlock()
	})

	def := &workflow.Definition{Name: "l", Steps: []workflow.Step{
		{ID: "A", Agent: "a"},
		{ID: "B", Agent: "b", DependsOn: []string{"A"}},
	}}
	if _, err := o.RunWorkflow(context.Background(), def); err != nil {
		t.Fatal(err)
	}
	if seen["A"] != StepFailed || seen["B"] != StepSkipped {
		t.Errorf("listener saw %v", seen)
	}
}

func TestWorkflowAbort(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})

	started := make(chan struct{})
	release := make(chan struct{})
	newAgent(t, reg, "a", func(ctx context.Context, _ agent.Task) agent.Result {
		close(started)
		<-release
		if ctx.Err() != nil {
			return agent.Failure(ctx.Err())
		}
		return agent.Success(nil)
	})
	b := newAgent(t, reg, "b", succeed)

	def := &workflow.Definition{Name: "abort", Steps: []workflow.Step{
		{ID: "A", Agent: "a"},
		{ID: "B", Agent: "b", DependsOn: []string{"A"}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		res *WorkflowResult
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := o.RunWorkflow(ctx, def)
		out <- outcome{res, err}
	}()

	<-started
	if active := o.Active(); len(active) != 1 || active[0].Workflow != "abort" {
		t.Errorf("active = %+v", active)
	}
	cancel()
	close(release)

	got := <-out
	if got.err != nil {
		t.Fatal(got.err)
	}
	res := got.res
	if !res.Aborted || res.Succeeded || res.RunStatus() != store.RunAborted {
		t.Errorf("result = %+v", res)
	}
	if sa, _ := res.Step("A"); sa.Status != StepSucceeded {
		t.Errorf("in-flight step should finish, got %+v", sa)
	}
	if sb, _ := res.Step("B"); sb.Status != StepSkipped {
		t.Errorf("B = %+v", sb)
	}
	if b.calls.Load() != 0 {
		t.Error("no step may start after abort")
	}
}

func TestAbortUnknownRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, config.OrchestratorConfig{})
	if o.Abort("nope") {
		t.Error("abort of unknown run should report false")
	}
}

func TestWorkflowOptionalStep(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "a", fail)
	newAgent(t, reg, "b", succeed)

	def := &workflow.Definition{Name: "opt", Steps: []workflow.Step{
		{ID: "notify", Agent: "a", Optional: true},
		{ID: "main", Agent: "b"},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded || res.FailedStep != "" {
		t.Errorf("optional failure should not fail the run: %+v", res)
	}
}

func TestWorkflowAgentExclusivity(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{MaxConcurrent: 3})

	var g gauge
	newAgent(t, reg, "solo", func(context.Context, agent.Task) agent.Result {
		g.enter()
		defer g.leave()
		time.Sleep(20 * time.Millisecond)
		return agent.Success(nil)
	})

	def := &workflow.Definition{Name: "excl", Steps: []workflow.Step{
		{ID: "one", Agent: "solo"},
		{ID: "two", Agent: "solo"},
		{ID: "three", Agent: "solo"},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil || !res.Succeeded {
		t.Fatalf("run: %v %+v", err, res)
	}
	if p := g.peak(); p != 1 {
		t.Errorf("exclusive agent ran %d steps at once", p)
	}
}

func TestWorkflowConcurrencySafeAgentOverlaps(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{MaxConcurrent: 2})

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	shared := safeAgent{&testAgent{
		Base: agent.NewBase("shared", agent.Deps{}),
		exec: func(context.Context, agent.Task) agent.Result {
			arrived.Done()
			select {
			case <-both:
				return agent.Success(nil)
			case <-time.After(2 * time.Second):
				return agent.Failure(errors.New("steps did not overlap"))
			}
		},
	}}
	addAgent(t, reg, shared)

	def := &workflow.Definition{Name: "shared", Steps: []workflow.Step{
		{ID: "one", Agent: "shared"},
		{ID: "two", Agent: "shared"},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded {
		t.Errorf("result = %+v", res)
	}
}

func TestWorkflowPersistenceAndEvents(t *testing.T) {
	s := newStore(t)
	pub := &recordingPublisher{}
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{}, WithStore(s), WithEvents(pub))
	newAgent(t, reg, "a", succeed)
	newAgent(t, reg, "b", fail)

	def := &workflow.Definition{Name: "persist", Steps: []workflow.Step{
		{ID: "A", Agent: "a"},
		{ID: "B", Agent: "b", DependsOn: []string{"A"}},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatal(err)
	}

	run, err := o.Status(res.RunID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if run.Status != store.RunFailed || run.FailedStep != "B" || run.CompletedAt == nil {
		t.Errorf("run = %+v", run)
	}
	if len(run.Definition) == 0 || len(run.Results) == 0 {
		t.Error("definition and results should be stored")
	}

	types := pub.types()
	if len(types) < 2 || types[0] != "workflow_started" || types[len(types)-1] != "workflow_completed" {
		t.Errorf("events = %v", types)
	}
	var completed int
	for _, ty := range types {
		if ty == "step_completed" {
			completed++
		}
	}
	if completed != 2 {
		t.Errorf("expected 2 step_completed events, got %d", completed)
	}

	if _, err := o.Status("missing"); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestStatusWithoutStore(t *testing.T) {
	o, _ := newTestOrchestrator(t, config.OrchestratorConfig{})
	if _, err := o.Status("x"); !errors.Is(err, ErrNoStore) {
		t.Errorf("expected ErrNoStore, got %v", err)
	}
}

func TestWorkflowProgress(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	newAgent(t, reg, "a", succeed)
	newAgent(t, reg, "b", fail)
	newAgent(t, reg, "c", succeed)

	var mu sync.Mutex
	seen := map[string]RunInfo{}
	o.OnStepComplete(func(runID string, sr StepResult) {
		p, ok := o.Progress(runID)
		if !ok {
			t.Errorf("no progress for live run %s", runID)
			return
		}
		mu.Lock()
		seen[sr.StepID] = p
		mu.Unlock()
	})

	def := &workflow.Definition{Name: "progress", MaxConcurrent: 1, Steps: []workflow.Step{
		{ID: "one", Agent: "a"},
		{ID: "two", Agent: "b", DependsOn: []string{"one"}},
		{ID: "three", Agent: "c", DependsOn: []string{"two"}},
	}}
	res, err := o.RunWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for step, want := range map[string]int{"one": 1, "two": 2, "three": 3} {
		if p := seen[step]; p.Finished != want || p.Total != 3 {
			t.Errorf("progress at %s = %d/%d, want %d/3", step, p.Finished, p.Total, want)
		}
	}
	if _, ok := o.Progress(res.RunID); ok {
		t.Error("progress still reported after the run")
	}
}

func TestBusyWhileExecuting(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, reg := newTestOrchestrator(t, config.OrchestratorConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	newAgent(t, reg, "worker", func(context.Context, agent.Task) agent.Result {
		close(started)
		<-release
		return agent.Success(nil)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.RunTask(context.Background(), "worker", agent.Task{})
	}()

	<-started
	if !o.Busy("worker") {
		t.Error("agent should be busy while executing")
	}
	close(release)
	<-done
	if o.Busy("worker") {
		t.Error("agent still busy after the task")
	}
}

func TestAgentLocks(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := newAgentLocks()
	if !l.TryLock("a") || l.TryLock("a") {
		t.Fatal("TryLock should succeed once")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline, got %v", err)
	}

	done := make(chan struct{})
	l.UnlockAfter("a", done)
	if !l.Held("a") {
		t.Error("lock released before done")
	}
	changed := l.Changed()
	close(done)
	<-changed
	if l.Held("a") {
		t.Error("lock still held after done")
	}
	if err := l.Lock(context.Background(), "a"); err != nil {
		t.Errorf("lock: %v", err)
	}
}
