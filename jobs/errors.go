package jobs

import "github.com/cockroachdb/errors"

var (
	// ErrJobNotFound is returned when the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyScheduled is returned when a job already has a pending
	// schedule.
	ErrAlreadyScheduled = errors.New("job already scheduled")

	// ErrInvalidScheduleTime is returned when the requested time is not
	// strictly in the future.
	ErrInvalidScheduleTime = errors.New("schedule time must be in the future")

	// ErrInvalidStatus is returned for unknown statuses.
	ErrInvalidStatus = errors.New("invalid job status")
)
