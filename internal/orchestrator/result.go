package orchestrator

import (
	"time"

	"github.com/mtzanidakis/arable/internal/agent"
	"github.com/mtzanidakis/arable/internal/store"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one step of a run. Skipped steps were never
// attempted and have zero Attempts.
type StepResult struct {
	StepID      string          `json:"step_id"`
	Agent       string          `json:"agent"`
	Status      StepStatus      `json:"status"`
	Optional    bool            `json:"optional,omitempty"`
	Result      agent.Result    `json:"result"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   agent.ErrorKind `json:"error_kind,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

// WorkflowResult is the outcome of one run. Steps lists attempted steps in
// completion order followed by skipped steps in declaration order.
type WorkflowResult struct {
	RunID       string       `json:"run_id"`
	Workflow    string       `json:"workflow"`
	Succeeded   bool         `json:"succeeded"`
	Aborted     bool         `json:"aborted,omitempty"`
	FailedStep  string       `json:"failed_step,omitempty"`
	Steps       []StepResult `json:"steps"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

func (w *WorkflowResult) Step(id string) (StepResult, bool) {
	for _, s := range w.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepResult{}, false
}

// Counts returns the number of steps per status.
func (w *WorkflowResult) Counts() map[StepStatus]int {
	out := map[StepStatus]int{StepSucceeded: 0, StepFailed: 0, StepSkipped: 0}
	for _, s := range w.Steps {
		out[s.Status]++
	}
	return out
}

// RunStatus maps the result onto the persisted run status.
func (w *WorkflowResult) RunStatus() string {
	switch {
	case w.Aborted:
		return store.RunAborted
	case w.Succeeded:
		return store.RunSucceeded
	default:
		return store.RunFailed
	}
}

func (w *WorkflowResult) Duration() time.Duration {
	return w.CompletedAt.Sub(w.StartedAt)
}
