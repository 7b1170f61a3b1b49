package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule describes when a task should (re)run. Interval and cron
// schedules recur; a once schedule fires a single time.
type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

// Validate checks the schedule for a known kind and well-formed fields.
func (s *Schedule) Validate() error {
	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case "once":
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Recurring reports whether the schedule fires more than once.
func (s *Schedule) Recurring() bool {
	return s.Kind == "cron" || s.Kind == "interval"
}

// Next returns the first run time after now, or nil when the schedule
// will never fire again. The reference time is explicit so callers can
// drive it from an injected clock.
func (s *Schedule) Next(now time.Time) *time.Time {
	var next time.Time

	switch s.Kind {
	case "cron":
		nextTime, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = nextTime
	case "interval":
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case "once":
		t := time.UnixMilli(s.AtMs)
		if t.After(now) {
			next = t
		} else {
			return nil
		}
	default:
		return nil
	}

	return &next
}

// Parse decodes a schedule from its JSON form.
func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Normalize accepts either a schedule JSON document or a bare cron
// expression and returns a validated Schedule.
func Normalize(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)

	// Try parsing as JSON first
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}

	// Not JSON — try as plain cron expression
	if !gronx.New().IsValid(raw) {
		return nil, fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}

	return &Schedule{Kind: "cron", CronExpr: raw}, nil
}

// Format returns a human-readable description of the schedule.
func (s *Schedule) Format() string {
	switch s.Kind {
	case "cron":
		if strings.HasPrefix(s.CronExpr, "@") {
			return s.CronExpr
		}
		return "Cron: " + s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case "once":
		t := time.UnixMilli(s.AtMs)
		return "Once at " + t.Format("Jan 2 15:04")
	default:
		return s.Kind
	}
}
