package agent

import (
	"context"
	"errors"
)

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	KindTaskInput  ErrorKind = "task_input"
	KindAgentFault ErrorKind = "agent_fault"
	KindTimeout    ErrorKind = "timeout"
	KindFailed     ErrorKind = "failed"
	KindSkipped    ErrorKind = "skipped"
)

// Retryable reports whether a failure of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindFailed || k == KindTimeout || k == KindAgentFault
}

// Result is the envelope every Execute call returns.
type Result struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func Success(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Failure converts err into a failed Result, classifying task input errors
// and deadlines.
func Failure(err error) Result {
	if err == nil {
		return Result{Success: false, Error: "unknown error", ErrorKind: KindFailed}
	}
	kind := KindFailed
	var tie *TaskInputError
	switch {
	case errors.As(err, &tie):
		kind = KindTaskInput
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return Result{Success: false, Error: err.Error(), ErrorKind: kind}
}

// Kind returns the error kind, defaulting to failed for failures that did
// not set one.
func (r Result) Kind() ErrorKind {
	if r.Success {
		return ""
	}
	if r.ErrorKind == "" {
		return KindFailed
	}
	return r.ErrorKind
}

// Map renders the result in the flat form stored in memory and passed to
// dependent steps as previous_results.
func (r Result) Map() map[string]any {
	out := make(map[string]any, len(r.Data)+3)
	for k, v := range r.Data {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
		out["error_kind"] = string(r.Kind())
	}
	return out
}
