package queue

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Task.Interval holds a cron expression with a leading seconds field.
var intervalParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseInterval validates a six-field cron expression.
func ParseInterval(expr string) (cron.Schedule, error) {
	schedule, err := intervalParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return schedule, nil
}

// NextRun returns the first time interval fires after after.
func NextRun(interval string, after time.Time) (time.Time, error) {
	schedule, err := ParseInterval(interval)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// reschedule returns when a task that just ran is due again. ok is false for
// one-shot tasks and for repeating tasks whose next run falls after
// RepeatUntil. The next run is counted from the due time of the run that
// just finished plus reprocessDelay; if that is already behind now, the
// missed runs collapse into a single run due now.
func reschedule(task *Task, now time.Time, reprocessDelay time.Duration) (next time.Time, ok bool, err error) {
	if task.Interval == "" {
		return time.Time{}, false, nil
	}

	from := now
	if task.SleepUntil != nil {
		from = *task.SleepUntil
	}
	next, err = NextRun(task.Interval, from.Add(reprocessDelay))
	if err != nil {
		return time.Time{}, false, err
	}

	if task.RepeatUntil != nil && next.After(*task.RepeatUntil) {
		return time.Time{}, false, nil
	}
	if next.Before(now) {
		next = now
	}
	return next, true, nil
}
