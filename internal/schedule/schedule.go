// Package schedule parses and evaluates the schedules of scheduled prompts.
// Schedules are stored as JSON; users may also write a cron expression,
// "every <duration>", "in <duration>" or "at <RFC3339 time>".
package schedule

import (
	"encoding/json"
	"errors"
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

// MinInterval is the shortest accepted interval.
const MinInterval = time.Minute

var ErrInvalidSchedule = errors.New("invalid schedule")

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms timestamp (if kind=once)
}

// Parse decodes and validates a stored schedule.
func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("%w: bad cron expression %q", ErrInvalidSchedule, s.CronExpr)
		}
	case KindInterval:
		if time.Duration(s.IntervalMs)*time.Millisecond < MinInterval {
			return fmt.Errorf("%w: interval must be at least %s", ErrInvalidSchedule, MinInterval)
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("%w: at_ms must be positive", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// Next returns the first run strictly after now, or nil when the
// schedule will not fire again.
func (s *Schedule) Next(now time.Time) *time.Time {
	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// String returns a human-readable description.
func (s *Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("Every %d hours", h)
			}
			return "Every hour"
		case d%time.Minute == 0:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("Every %d minutes", m)
			}
			return "Every minute"
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return s.Kind
	}
}

func (s *Schedule) JSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Normalize accepts the stored JSON form or a user-written schedule and
// returns the validated JSON form. now anchors "in <duration>".
func Normalize(raw string, now time.Time) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}

	if strings.HasPrefix(raw, "{") {
		s, err := Parse(raw)
		if err != nil {
			return "", err
		}
		return s.JSON(), nil
	}

	var s Schedule
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("every "):]))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	case strings.HasPrefix(lower, "in "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("in "):]))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if d <= 0 {
			return "", fmt.Errorf("%w: delay must be positive", ErrInvalidSchedule)
		}
		s = Schedule{Kind: KindOnce, AtMs: now.Add(d).UnixMilli()}
	case strings.HasPrefix(lower, "at "):
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw[len("at "):]))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		s = Schedule{Kind: KindOnce, AtMs: t.UnixMilli()}
	default:
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}

	if err := s.Validate(); err != nil {
		return "", err
	}
	return s.JSON(), nil
}

// NextRun evaluates a stored schedule. Invalid schedules never run.
func NextRun(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.Next(now)
}

// Format describes a stored schedule, falling back to the raw text.
func Format(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	return s.String()
}
