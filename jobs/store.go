package jobs

import (
	"context"
	"time"
)

// StatusUpdate describes an ordinary status change.
type StatusUpdate struct {
	Status Status

	// ClearSchedule unsets any pending schedule.
	ClearSchedule bool

	// CompletedAt is stamped when set.
	CompletedAt *time.Time
}

// Store persists jobs. Methods addressing a missing job return an error
// matching ErrJobNotFound.
type Store interface {
	// Get loads a job by ObjectID hex or by its jobIdString.
	Get(ctx context.Context, id string) (*Job, error)

	// SetSchedule records at as the job's pending schedule. It returns
	// ErrAlreadyScheduled if the job gained a schedule in the meantime.
	SetSchedule(ctx context.Context, id string, at time.Time) error

	// UpdateStatus applies update and returns the updated job.
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*Job, error)

	// ApplyTransition moves the job to t.TargetStatus and consumes its
	// schedule, but only while the schedule still equals t.ScheduledFor and
	// the job is not deleted. It reports whether the job was changed and,
	// if so, the status it had before.
	ApplyTransition(ctx context.Context, t ScheduledTransition) (previous Status, applied bool, err error)

	// ListOverdue returns up to limit jobs whose pending schedule is at or
	// before before, oldest schedule first.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]Job, error)

	// ListSchedulable returns scheduled jobs without a pending schedule.
	ListSchedulable(ctx context.Context) ([]Job, error)
}
