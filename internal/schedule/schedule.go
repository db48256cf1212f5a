// Package schedule parses workflow schedules and computes their next run.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Spec is the JSON form stored with a schedule:
//
//	{"kind":"cron","cron":"0 9 * * 1-5"}
//	{"kind":"interval","every":"15m"}
//	{"kind":"once","at":"2026-11-01T09:00:00Z"}
type Spec struct {
	Kind  string `json:"kind"`
	Cron  string `json:"cron,omitempty"`
	Every string `json:"every,omitempty"`
	At    string `json:"at,omitempty"`
}

func Parse(raw string) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.Cron) {
			return fmt.Errorf("invalid cron expression: %q", s.Cron)
		}
	case KindInterval:
		d, err := time.ParseDuration(s.Every)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", s.Every, err)
		}
		if d < time.Second {
			return fmt.Errorf("interval must be at least 1s, got %s", d)
		}
	case KindOnce:
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return fmt.Errorf("invalid time %q: %w", s.At, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after from, or nil when the schedule
// will not fire again.
func (s *Spec) Next(from time.Time) *time.Time {
	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.Cron, from, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		d, err := time.ParseDuration(s.Every)
		if err != nil || d <= 0 {
			return nil
		}
		next = from.Add(d)
	case KindOnce:
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil || !t.After(from) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

func (s *Spec) String() string {
	switch s.Kind {
	case KindCron:
		return s.Cron
	case KindInterval:
		d, err := time.ParseDuration(s.Every)
		if err != nil {
			return "every " + s.Every
		}
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			return plural(int(d.Hours()), "hour")
		case d%time.Minute == 0:
			return plural(int(d.Minutes()), "minute")
		default:
			return "every " + d.String()
		}
	case KindOnce:
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return "once at " + s.At
		}
		return "once at " + t.Format("Jan 2 15:04 MST")
	}
	return s.Kind
}

func plural(n int, unit string) string {
	if n == 1 {
		return "every " + unit
	}
	return fmt.Sprintf("every %d %ss", n, unit)
}

// Format renders raw for display, falling back to raw itself.
func Format(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	return s.String()
}

// Normalize accepts the JSON form, a plain cron expression, a Go duration
// ("15m") or an RFC 3339 timestamp and returns canonical JSON.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Spec
	switch {
	case strings.HasPrefix(raw, "{"):
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return "", fmt.Errorf("parse schedule: %w", err)
		}
	case isDuration(raw):
		s = Spec{Kind: KindInterval, Every: raw}
	case isTimestamp(raw):
		s = Spec{Kind: KindOnce, At: raw}
	default:
		s = Spec{Kind: KindCron, Cron: raw}
	}
	if err := s.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isDuration(raw string) bool {
	_, err := time.ParseDuration(raw)
	return err == nil
}

func isTimestamp(raw string) bool {
	_, err := time.Parse(time.RFC3339, raw)
	return err == nil
}
