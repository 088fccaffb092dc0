// Package cron triggers runs on 5-field cron schedules. Schedule parses and
// validates expressions, Scheduler keeps one timer per job, and Service
// stores jobs and turns each firing into a run.
package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/aixgo-dev/agentserver/internal/apperr"
)

// parser accepts exactly minute, hour, day-of-month, month and day-of-week.
var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

var fieldNames = []string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// horizon bounds the search for a schedule's first firing; anything that
// cannot fire within it (e.g. February 30th) is rejected.
const horizon = 5 * 366 * 24 * time.Hour

// Parse validates a 5-field cron expression, evaluated in UTC. The error is
// a validation error naming the offending field.
func Parse(expr string) (robfig.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(fieldNames) {
		return nil, apperr.Validation("invalid cron schedule %q: expected 5 fields (minute hour day-of-month month day-of-week), got %d", expr, len(fields))
	}
	for i, f := range fields {
		if strings.HasPrefix(f, "@") || strings.Contains(strings.ToUpper(f), "TZ=") {
			return nil, apperr.Validation("invalid cron schedule %q: %s field %q is not supported", expr, fieldNames[i], f)
		}
	}

	sched, err := parser.Parse("CRON_TZ=UTC " + strings.Join(fields, " "))
	if err != nil {
		return nil, apperr.Validation("invalid cron schedule %q: %v", expr, err)
	}

	from := time.Now().UTC()
	next := sched.Next(from)
	if next.IsZero() || next.Sub(from) > horizon {
		return nil, apperr.Validation("invalid cron schedule %q: never fires", expr)
	}
	return sched, nil
}

// Next returns the first firing of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Upcoming returns the next n firings of expr after from.
func Upcoming(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	for range n {
		from = sched.Next(from)
		if from.IsZero() {
			break
		}
		out = append(out, from)
	}
	return out, nil
}

// Describe renders a firing for logs and the CLI.
func Describe(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), t.Weekday())
}
