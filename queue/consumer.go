package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Handler processes one delivered task. A returned error makes the task
// eligible for retry until its attempts are exhausted.
type Handler func(ctx context.Context, task *Task) error

// ConsumerConfig holds the configuration for a Consumer.
type ConsumerConfig struct {
	// Broker is the required task storage.
	Broker Broker

	// Queue is the required name of the queue to consume.
	Queue string

	// Handler is called for every due task. The task is already leased
	// when this is called.
	Handler Handler

	// Event Handlers (all optional)

	// OnStart is called when the consumer starts.
	OnStart func(ctx context.Context) error

	// OnStop is called when the consumer stops.
	OnStop func(ctx context.Context) error

	// OnIdle is called when the queue has been drained and the consumer
	// enters idle state. It's only called once per transition to idle.
	OnIdle func(ctx context.Context) error

	// OnError is called when an error occurs during processing, in addition
	// to it being logged.
	OnError func(ctx context.Context, err error)

	// Logger receives structured processing logs. Default: no-op.
	Logger *zap.Logger

	// Recorder receives processing metrics. Default: no-op.
	Recorder Recorder

	// Timing Configuration

	// Concurrency is the number of worker slots leasing tasks in parallel.
	// Default: 1
	Concurrency int

	// NextDelay is the duration each worker waits before leasing the next task.
	// Default: 0 (process immediately)
	NextDelay time.Duration

	// ReprocessDelay is added to a repeating task's due time before the next
	// cron occurrence is calculated.
	// Default: 0
	ReprocessDelay time.Duration

	// IdleDelay is the duration to wait when no tasks are due.
	// Default: 1 second
	IdleDelay time.Duration

	// LockDuration is how long a delivered task is leased. If a worker
	// crashes, the task becomes available again after this duration.
	// Default: 10 minutes
	LockDuration time.Duration

	// RetryDelay is the backoff before the first retry of a failed task;
	// later retries double it up to MaxRetryDelay.
	// Default: 1 second, MaxRetryDelay default: 1 minute
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// AckTimeout bounds the broker write acknowledging a task outcome. It is
	// detached from consumer shutdown so an in-flight result is not lost.
	// Default: 5 seconds
	AckTimeout time.Duration
}

// Consumer leases due tasks from a queue and runs the handler on them.
type Consumer struct {
	broker Broker
	config ConsumerConfig
	log    *zap.Logger

	// State tracking
	running    atomic.Bool
	processing atomic.Int32
	idle       atomic.Bool

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConsumer creates a new Consumer with the given configuration.
// Returns an error if the configuration is invalid.
func NewConsumer(config ConsumerConfig) (*Consumer, error) {
	if config.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if config.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if config.Handler == nil {
		return nil, errors.New("handler is required")
	}

	// Set defaults
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.LockDuration == 0 {
		config.LockDuration = 10 * time.Minute
	}
	if config.IdleDelay == 0 {
		config.IdleDelay = time.Second
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = time.Minute
	}
	if config.AckTimeout == 0 {
		config.AckTimeout = 5 * time.Second
	}
	if config.Recorder == nil {
		config.Recorder = nopRecorder{}
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Consumer{
		broker: config.Broker,
		config: config,
		log:    log.With(zap.String("queue", config.Queue)),
	}, nil
}

// Start begins consuming tasks.
// It's safe to call Start multiple times; subsequent calls are no-ops.
// The consumer runs until Stop is called or the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.config.OnStart != nil {
		if err := c.config.OnStart(c.ctx); err != nil {
			c.running.Store(false)
			return errors.Wrap(err, "OnStart handler failed")
		}
	}

	c.log.Info("consumer started", zap.Int("concurrency", c.config.Concurrency))

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.run()
	}

	return nil
}

// Stop gracefully stops the consumer.
// It waits for in-flight tasks to finish before returning.
// It's safe to call Stop multiple times.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.running.Store(false)
		if c.cancel != nil {
			c.cancel()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		if c.config.OnStop != nil {
			if stopErr := c.config.OnStop(context.Background()); stopErr != nil && err == nil {
				err = errors.Wrap(stopErr, "OnStop handler failed")
			}
		}
		c.log.Info("consumer stopped")
	})
	return err
}

// IsRunning returns true if the consumer is running.
func (c *Consumer) IsRunning() bool {
	return c.running.Load()
}

// IsProcessing returns true if at least one task is being processed.
func (c *Consumer) IsProcessing() bool {
	return c.processing.Load() > 0
}

// IsIdle returns true if the consumer found no due task on its last poll.
func (c *Consumer) IsIdle() bool {
	return c.idle.Load()
}

// run is the processing loop of one worker slot.
func (c *Consumer) run() {
	defer c.wg.Done()

	for c.running.Load() {
		if c.config.NextDelay > 0 {
			select {
			case <-time.After(c.config.NextDelay):
			case <-c.ctx.Done():
				return
			}
		}

		if !c.running.Load() {
			return
		}

		c.tick()
	}
}

// tick leases and processes a single task.
func (c *Consumer) tick() {
	c.processing.Add(1)
	defer c.processing.Add(-1)

	lockUntil := time.Now().Add(c.config.LockDuration)

	task, err := c.broker.LockNext(c.ctx, c.config.Queue, lockUntil)
	if err != nil {
		if c.ctx.Err() == nil {
			c.handleError(errors.Wrap(err, "failed to lock next task"))
		}
		c.sleep(c.config.IdleDelay)
		return
	}

	if task == nil {
		if !c.idle.Swap(true) {
			if c.config.OnIdle != nil {
				if err := c.config.OnIdle(c.ctx); err != nil {
					c.handleError(errors.Wrap(err, "OnIdle handler failed"))
				}
			}
		}
		c.sleep(c.config.IdleDelay)
		return
	}

	c.idle.Store(false)

	log := c.log.With(zap.String("task_id", task.ID), zap.Int("attempt", task.Attempts))
	log.Debug("processing task")

	started := time.Now()
	runErr := c.config.Handler(c.ctx, task)

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.config.AckTimeout)
	defer cancel()

	if runErr != nil {
		if err := c.retryOrFail(ackCtx, task, runErr, log); err != nil {
			c.handleError(errors.Wrapf(err, "failed to record outcome of task %s", task.ID))
		}
		return
	}

	c.config.Recorder.TaskCompleted(c.config.Queue, time.Since(started))
	if err := c.finish(ackCtx, task); err != nil {
		c.handleError(errors.Wrapf(err, "failed to finish task %s", task.ID))
	}
}

// finish completes a task, or reschedules it when it repeats.
func (c *Consumer) finish(ctx context.Context, task *Task) error {
	next, repeat, err := reschedule(task, time.Now(), c.config.ReprocessDelay)
	if err != nil {
		c.log.Warn("dropping repetition of task", zap.String("task_id", task.ID), zap.Error(err))
		repeat = false
	}
	if !repeat {
		return c.broker.Complete(ctx, task.ID, task.RemoveOnComplete)
	}

	update := NewTaskUpdate(&next)
	update.ResetAttempts = true
	return c.broker.Update(ctx, task.ID, update)
}

// retryOrFail schedules a redelivery with backoff while attempts remain and
// moves the task to the failed state otherwise.
func (c *Consumer) retryOrFail(ctx context.Context, task *Task, runErr error, log *zap.Logger) error {
	reason := runErr.Error()

	if task.Attempts < task.MaxAttempts {
		delay := RetryBackoff(task.Attempts, c.config.RetryDelay, c.config.MaxRetryDelay)
		due := time.Now().Add(delay)
		log.Warn("task failed, will retry", zap.Error(runErr), zap.Duration("backoff", delay))
		c.config.Recorder.TaskRetried(c.config.Queue)

		update := NewTaskUpdate(&due)
		update.LastError = &reason
		return c.broker.Update(ctx, task.ID, update)
	}

	c.config.Recorder.TaskFailed(c.config.Queue)

	if task.Interval != "" {
		log.Error("repeating task run failed, attempts exhausted", zap.Error(runErr))
		return c.finish(ctx, task)
	}

	log.Error("task failed, attempts exhausted", zap.Error(runErr), zap.Int("max_attempts", task.MaxAttempts))
	return c.broker.Fail(ctx, task.ID, reason)
}

func (c *Consumer) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-c.ctx.Done():
	}
}

// handleError logs err and calls the OnError handler if configured.
func (c *Consumer) handleError(err error) {
	c.log.Error("consumer error", zap.Error(err))
	if c.config.OnError != nil {
		c.config.OnError(c.ctx, err)
	}
}
