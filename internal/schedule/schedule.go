// Package schedule parses workflow schedules and triggers runs when their
// logical times become due.
package schedule

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/pitabwire/dfrun/model"
)

// cronParser supports standard 5-field cron and descriptors like "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// maxDueTimes bounds how many missed runs a single catch-up pass creates.
const maxDueTimes = 1000

// Schedule is a parsed workflow schedule. A manual schedule never produces
// logical times.
type Schedule struct {
	expr string
	cron cronlib.Schedule
}

// Parse parses a workflow schedule. The empty string, "@manual" and "none"
// denote a manually triggered workflow.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch strings.ToLower(expr) {
	case "", model.ManualSchedule, "none":
		return Schedule{expr: expr}, nil
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return Schedule{expr: expr, cron: s}, nil
}

// Manual reports whether the schedule only runs on explicit triggers.
func (s Schedule) Manual() bool {
	return s.cron == nil
}

// String returns the original expression.
func (s Schedule) String() string {
	return s.expr
}

// Next returns the first logical time strictly after t. It returns the zero
// time for manual schedules.
func (s Schedule) Next(t time.Time) time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Next(t)
}

// DueTimes returns the logical times that should have run by now. The
// search starts after last, or at start when the workflow has never run.
// With catchup every missed time is returned, oldest first; without it only
// the most recent one is.
func DueTimes(s Schedule, start time.Time, last *time.Time, now time.Time, catchup bool) []time.Time {
	if s.Manual() {
		return nil
	}

	cursor := start.Add(-time.Nanosecond)
	if last != nil && !last.Before(start) {
		cursor = *last
	}

	var due []time.Time
	for t := s.Next(cursor); !t.IsZero() && !t.After(now); t = s.Next(t) {
		if catchup {
			if len(due) >= maxDueTimes {
				break
			}
			due = append(due, t)
			continue
		}
		due = append(due[:0], t)
	}
	return due
}
