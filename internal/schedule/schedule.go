// Package schedule parses and evaluates the JSON schedule format used
// by scheduled background tasks. A schedule is one of three kinds:
// "cron" (a cron expression), "interval" (a fixed repeat period) or
// "once" (a single absolute timestamp).
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NextRun returns the next time a task with this schedule should fire,
// or nil when it never fires again (past one-offs, invalid schedules).
func NextRun(scheduleJSON string) *time.Time {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return nil
	}

	now := time.Now()
	var next time.Time

	switch s.Kind {
	case "cron":
		t, err := gronx.NextTick(s.CronExpr, false)
		if err != nil {
			return nil
		}
		next = t
	case "interval":
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case "once":
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

// Normalize accepts either a schedule JSON document or a bare cron
// expression and returns a validated schedule JSON string. Bare cron
// expressions are wrapped in the JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case "cron":
			if !gronx.New().IsValid(s.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case "interval":
			if s.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case "once":
			if s.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}

	data, err := json.Marshal(Schedule{Kind: "cron", CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Format renders a schedule JSON string for display in chat listings.
func Format(scheduleJSON string) string {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case "cron":
		return "cron: " + s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			h := int(d.Hours())
			if h == 1 {
				return "every hour"
			}
			return fmt.Sprintf("every %d hours", h)
		case d%time.Minute == 0:
			m := int(d.Minutes())
			if m == 1 {
				return "every minute"
			}
			return fmt.Sprintf("every %d minutes", m)
		default:
			return fmt.Sprintf("every %d seconds", int(d.Seconds()))
		}
	case "once":
		return "once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return scheduleJSON
	}
}
