package jobs

import (
	"context"
	"time"

	"github.com/DEEJ4Y/servicehub/events"
	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultTransitionAttempts bounds delivery of a transition task.
const DefaultTransitionAttempts = 3

// SchedulerConfig holds the configuration for a Scheduler.
type SchedulerConfig struct {
	// Store is required.
	Store Store

	// Queues is required. Transition tasks go on TransitionQueue.
	Queues *queue.Registry

	// Events receives job events after each successful write.
	// Default: events.Discard
	Events events.Emitter

	// Logger default: no-op.
	Logger *zap.Logger

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// MaxAttempts of each transition task. Default: DefaultTransitionAttempts
	MaxAttempts int
}

// Scheduler validates and commits future job transitions, and applies them
// when they fire.
type Scheduler struct {
	store       Store
	queues      *queue.Registry
	events      events.Emitter
	log         *zap.Logger
	now         func() time.Time
	maxAttempts int
}

// NewScheduler creates a Scheduler with the given configuration.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Queues == nil {
		return nil, errors.New("queue registry is required")
	}
	if config.Events == nil {
		config.Events = events.Discard
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultTransitionAttempts
	}

	return &Scheduler{
		store:       config.Store,
		queues:      config.Queues,
		events:      config.Events,
		log:         config.Logger,
		now:         config.Now,
		maxAttempts: config.MaxAttempts,
	}, nil
}

// Schedule arranges for the job to move to IN_PROGRESS at or after at.
//
// The job must exist, must not already have a pending schedule, and at must
// be strictly after now; each failure returns its own sentinel error and
// leaves the job untouched. The transition task is enqueued before the
// schedule is written, so a failed enqueue never leaves a job claiming a
// schedule that cannot fire.
func (s *Scheduler) Schedule(ctx context.Context, jobID string, at time.Time) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Schedule != nil {
		return nil, errors.WithDetailf(ErrAlreadyScheduled, "job %s scheduled for %s", jobID, job.Schedule.Format(time.RFC3339))
	}

	now := s.now()
	// stored times have millisecond precision; the transition is matched
	// against the stored value
	at = at.UTC().Truncate(time.Millisecond)
	if !at.After(now) {
		return nil, errors.WithDetailf(ErrInvalidScheduleTime, "requested %s", at.Format(time.RFC3339Nano))
	}

	id := job.ID.Hex()
	task, err := s.queues.Enqueue(ctx, TransitionQueue, ScheduledTransition{
		JobID:        id,
		TargetStatus: StatusInProgress,
		ScheduledFor: at,
	}, queue.Options{Delay: at.Sub(now), MaxAttempts: s.maxAttempts})
	if err != nil {
		return nil, errors.Wrapf(err, "enqueue transition for job %s", id)
	}

	if err := s.store.SetSchedule(ctx, id, at); err != nil {
		// the enqueued task no longer matches the job and fires as a no-op
		return nil, err
	}

	s.log.Info("job scheduled",
		zap.String("job_id", id),
		zap.Time("schedule", at),
		zap.String("task_id", task.ID))
	s.emit(ctx, events.New(events.JobScheduled, id, map[string]string{
		"schedule": at.Format(time.RFC3339Nano),
	}))

	job.Schedule = &at
	return job, nil
}

// UpdateStatus is the ordinary status change path. Moving a job to
// SCHEDULED from another status clears its pending schedule, which disarms
// any in-flight transition task. Moving to COMPLETED stamps completedAt
// unless the job was already completed.
func (s *Scheduler) UpdateStatus(ctx context.Context, jobID string, status Status) (*Job, error) {
	if !status.Valid() {
		return nil, errors.Wrapf(ErrInvalidStatus, "%q", status)
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	update := StatusUpdate{Status: status}
	if status == StatusScheduled && job.Status != StatusScheduled {
		update.ClearSchedule = true
	}
	if status == StatusCompleted && job.Status != StatusCompleted {
		now := s.now().UTC()
		update.CompletedAt = &now
	}

	updated, err := s.store.UpdateStatus(ctx, job.ID.Hex(), update)
	if err != nil {
		return nil, err
	}

	s.log.Info("job status updated",
		zap.String("job_id", job.ID.Hex()),
		zap.String("from", string(job.Status)),
		zap.String("to", string(status)),
		zap.Bool("schedule_cleared", update.ClearSchedule))
	s.emitStatusChange(ctx, job.ID.Hex(), job.Status, status)
	return updated, nil
}

// ListSchedulable returns scheduled jobs that have no pending schedule.
func (s *Scheduler) ListSchedulable(ctx context.Context) ([]Job, error) {
	return s.store.ListSchedulable(ctx)
}

func (s *Scheduler) emitStatusChange(ctx context.Context, jobID string, from, to Status) {
	s.emit(ctx, events.New(events.JobStatusChanged, jobID, map[string]string{
		"from": string(from),
		"to":   string(to),
	}))
}

// emit publishes ev. Event delivery is best effort and never fails the
// write that produced it.
func (s *Scheduler) emit(ctx context.Context, ev events.Event) {
	if err := s.events.Emit(ctx, ev); err != nil {
		s.log.Warn("failed to emit event",
			zap.String("type", ev.Type),
			zap.String("subject", ev.Subject),
			zap.Error(err))
	}
}
