package agent

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"
)

// Task is the opaque payload handed to Execute. Keys are agent specific;
// the orchestrator only adds previous_results for workflow steps.
type Task map[string]any

// TaskInputError reports a missing or malformed payload key.
type TaskInputError struct {
	Key    string
	Reason string
}

func (e *TaskInputError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("missing required field %q", e.Key)
	}
	return fmt.Sprintf("invalid field %q: %s", e.Key, e.Reason)
}

func missing(key string) error {
	return &TaskInputError{Key: key}
}

func invalid(key, format string, args ...any) error {
	return &TaskInputError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

func (t Task) Has(key string) bool {
	v, ok := t[key]
	return ok && v != nil
}

func (t Task) Clone() Task {
	return maps.Clone(t)
}

// GetString returns a required non-empty string.
func (t Task) GetString(key string) (string, error) {
	v, ok := t[key]
	if !ok || v == nil {
		return "", missing(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(key, "expected string, got %T", v)
	}
	if s == "" {
		return "", missing(key)
	}
	return s, nil
}

func (t Task) StringOr(key, def string) string {
	if s, ok := t[key].(string); ok && s != "" {
		return s
	}
	return def
}

// GetInt accepts any integral number, including float64 values produced
// by JSON decoding.
func (t Task) GetInt(key string) (int, error) {
	v, ok := t[key]
	if !ok || v == nil {
		return 0, missing(key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, invalid(key, "expected integer, got %v", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, invalid(key, "expected integer, got %q", n)
		}
		return i, nil
	default:
		return 0, invalid(key, "expected integer, got %T", v)
	}
}

func (t Task) IntOr(key string, def int) int {
	if !t.Has(key) {
		return def
	}
	n, err := t.GetInt(key)
	if err != nil {
		return def
	}
	return n
}

// GetDuration accepts Go duration strings ("1.5s") or a number of seconds.
func (t Task) GetDuration(key string) (time.Duration, error) {
	v, ok := t[key]
	if !ok || v == nil {
		return 0, missing(key)
	}
	var d time.Duration
	switch n := v.(type) {
	case string:
		parsed, err := time.ParseDuration(n)
		if err != nil {
			secs, ferr := strconv.ParseFloat(n, 64)
			if ferr != nil {
				return 0, invalid(key, "expected duration, got %q", n)
			}
			parsed = time.Duration(secs * float64(time.Second))
		}
		d = parsed
	case int:
		d = time.Duration(n) * time.Second
	case int64:
		d = time.Duration(n) * time.Second
	case float64:
		d = time.Duration(n * float64(time.Second))
	case time.Duration:
		d = n
	default:
		return 0, invalid(key, "expected duration, got %T", v)
	}
	if d < 0 {
		return 0, invalid(key, "negative duration %s", d)
	}
	return d, nil
}

func (t Task) DurationOr(key string, def time.Duration) time.Duration {
	if !t.Has(key) {
		return def
	}
	d, err := t.GetDuration(key)
	if err != nil {
		return def
	}
	return d
}

// GetMap returns a required nested mapping.
func (t Task) GetMap(key string) (map[string]any, error) {
	v, ok := t[key]
	if !ok || v == nil {
		return nil, missing(key)
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case Task:
		return m, nil
	default:
		return nil, invalid(key, "expected mapping, got %T", v)
	}
}

func (t Task) BoolOr(key string, def bool) bool {
	if b, ok := t[key].(bool); ok {
		return b
	}
	return def
}
