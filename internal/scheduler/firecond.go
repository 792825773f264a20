package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// FireCondition is the timing rule governing a job's recurrence. Exactly one
// of Interval or Spec drives recurrence; with neither set the job fires once
// at Start and is then exhausted. Interval recurrence stays phase-aligned to
// Start so the schedule never drifts.
type FireCondition struct {
	Start    time.Time     `json:"start"`
	Interval time.Duration `json:"interval,omitempty"`
	Spec     string        `json:"cron,omitempty"` // standard cron expression, overrides Interval
}

// Every returns an interval condition starting at start.
func Every(start time.Time, interval time.Duration) FireCondition {
	return FireCondition{Start: start, Interval: interval}
}

// Once returns a one-shot condition firing at start.
func Once(start time.Time) FireCondition {
	return FireCondition{Start: start}
}

// Cron returns a condition driven by a standard cron expression.
func Cron(start time.Time, spec string) FireCondition {
	return FireCondition{Start: start, Spec: spec}
}

// Validate checks that a cron spec, when present, parses.
func (fc FireCondition) Validate() error {
	if fc.Start.IsZero() {
		return errors.New("scheduler: fire condition needs a start time")
	}
	if fc.Spec != "" {
		if _, err := cron.ParseStandard(fc.Spec); err != nil {
			return errors.Wrapf(err, "invalid cron spec %q", fc.Spec)
		}
	}
	return nil
}

// NextFireTime returns the earliest fire time at or after now, or ok=false
// when the condition is exhausted. For interval conditions the result is
// always Start plus a whole number of intervals.
func (fc FireCondition) NextFireTime(now time.Time) (time.Time, bool) {
	if fc.Start.After(now) {
		return fc.Start, true
	}

	if fc.Spec != "" {
		sched, err := cron.ParseStandard(fc.Spec)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(now), true
	}

	if fc.Interval <= 0 {
		return time.Time{}, false
	}

	elapsed := now.Sub(fc.Start)
	n := elapsed / fc.Interval
	if elapsed%fc.Interval != 0 {
		n++
	}
	return fc.Start.Add(time.Duration(n) * fc.Interval), true
}
