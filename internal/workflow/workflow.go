// Package workflow parses and validates multi-step workflow definitions.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/arable/internal/agent"
	"gopkg.in/yaml.v3"
)

// Definition is a named, dependency-ordered set of steps.
type Definition struct {
	Name          string `yaml:"name" json:"name"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	Steps         []Step `yaml:"steps" json:"steps"`
}

// Step binds one agent invocation to its prerequisites.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	Agent     string         `yaml:"agent" json:"agent"`
	Task      map[string]any `yaml:"task,omitempty" json:"task,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Retry     *RetryPolicy   `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout   Duration       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Optional  bool           `yaml:"optional,omitempty" json:"optional,omitempty"`
}

type RetryPolicy struct {
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
	Delay      Duration `yaml:"delay" json:"delay"`
}

// Duration decodes from Go duration strings ("1.5s") or a number of
// seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Parse decodes a YAML (or JSON) workflow definition and validates it.
// Unknown fields are rejected so typos in step keys surface early.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads a workflow file. A definition without a name takes the file's
// base name.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// Step returns the step with the given ID.
func (d *Definition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Agents returns the distinct agent IDs referenced, in declaration order.
func (d *Definition) Agents() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range d.Steps {
		if !seen[s.Agent] {
			seen[s.Agent] = true
			out = append(out, s.Agent)
		}
	}
	return out
}

// RetryPolicy returns the step's retry block, falling back to the
// max_retries and retry_delay payload keys.
func (s Step) RetryPolicy() RetryPolicy {
	if s.Retry != nil {
		return *s.Retry
	}
	task := agent.Task(s.Task)
	return RetryPolicy{
		MaxRetries: max(task.IntOr("max_retries", 0), 0),
		Delay:      Duration(task.DurationOr("retry_delay", 0)),
	}
}

// payloadProblems reports malformed payload keys that RetryPolicy and
// EffectiveTimeout read, which would otherwise fall back silently.
func (s Step) payloadProblems() []string {
	task := agent.Task(s.Task)
	var out []string
	if s.Retry == nil {
		if task.Has("max_retries") {
			if n, err := task.GetInt("max_retries"); err != nil {
				out = append(out, err.Error())
			} else if n < 0 {
				out = append(out, "max_retries must not be negative")
			}
		}
		if task.Has("retry_delay") {
			if _, err := task.GetDuration("retry_delay"); err != nil {
				out = append(out, err.Error())
			}
		}
	}
	if s.Timeout == 0 && task.Has("timeout") {
		if _, err := task.GetDuration("timeout"); err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

// EffectiveTimeout returns the step timeout, then the timeout payload
// key, then def. Zero means no limit.
func (s Step) EffectiveTimeout(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout.Std()
	}
	if d := agent.Task(s.Task).DurationOr("timeout", 0); d > 0 {
		return d
	}
	return def
}
