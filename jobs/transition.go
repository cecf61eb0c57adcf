package jobs

import (
	"context"

	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// HandleTransition applies a delivered ScheduledTransition. It is the
// handler of TransitionQueue.
//
// The write is conditional on the job still carrying the schedule the task
// was created for, so a task whose schedule was cleared or replaced, or a
// duplicate delivery, succeeds without changing the job. Store errors are
// returned so the task is retried.
func (s *Scheduler) HandleTransition(ctx context.Context, task *queue.Task) error {
	var t ScheduledTransition
	if err := task.Decode(&t); err != nil {
		s.log.Error("dropping undecodable transition", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}

	log := s.log.With(
		zap.String("job_id", t.JobID),
		zap.String("task_id", task.ID),
		zap.Time("scheduled_for", t.ScheduledFor))

	previous, applied, err := s.store.ApplyTransition(ctx, t)
	if err != nil {
		return errors.Wrapf(err, "apply transition to job %s", t.JobID)
	}
	if !applied {
		log.Info("stale transition ignored")
		return nil
	}

	log.Info("scheduled transition applied",
		zap.String("from", string(previous)),
		zap.String("status", string(t.TargetStatus)))
	s.emitStatusChange(ctx, t.JobID, previous, t.TargetStatus)
	return nil
}

// Consume creates a consumer of TransitionQueue running HandleTransition.
// Broker, Queue and Handler in config are overwritten.
func (s *Scheduler) Consume(config queue.ConsumerConfig) (*queue.Consumer, error) {
	config.Handler = s.HandleTransition
	if config.Logger == nil {
		config.Logger = s.log
	}
	return s.queues.Queue(TransitionQueue).Process(config)
}
