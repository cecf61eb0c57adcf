package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultPriority is used when Options.Priority is zero.
const DefaultPriority = 1

// Recorder receives queue activity, typically to export metrics.
type Recorder interface {
	TaskEnqueued(queue string)
	TaskCompleted(queue string, latency time.Duration)
	TaskRetried(queue string)
	TaskFailed(queue string)
}

type nopRecorder struct{}

func (nopRecorder) TaskEnqueued(string)                {}
func (nopRecorder) TaskCompleted(string, time.Duration) {}
func (nopRecorder) TaskRetried(string)                 {}
func (nopRecorder) TaskFailed(string)                  {}

// Options tune a single enqueue.
type Options struct {
	// Delay postpones delivery; the task is due no earlier than now+Delay.
	Delay time.Duration

	// MaxAttempts bounds deliveries on handler failure. Default: 1 (no retry).
	MaxAttempts int

	// Priority orders due tasks, lower first. Default: DefaultPriority.
	Priority int

	// Interval and RepeatUntil make the task repeat on a cron schedule.
	Interval    string
	RepeatUntil *time.Time

	// KeepCompleted keeps the task in the broker after success instead of
	// removing it.
	KeepCompleted bool

	// Key makes the enqueue idempotent: while the queue holds a task with
	// the same key, Add returns that task and enqueues nothing.
	Key string
}

// Registry hands out named queues over a single broker. Queue handles are
// created lazily and cached by name for the registry's lifetime.
type Registry struct {
	broker   Broker
	log      *zap.Logger
	recorder Recorder

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry creates a registry over broker. log and recorder may be nil.
func NewRegistry(broker Broker, log *zap.Logger, recorder Recorder) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Registry{
		broker:   broker,
		log:      log,
		recorder: recorder,
		queues:   make(map[string]*Queue),
	}
}

// Queue returns the handle for name, creating it on first use.
// Repeated calls with the same name return the same handle.
func (r *Registry) Queue(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		return q
	}
	q := &Queue{
		name:     name,
		broker:   r.broker,
		log:      r.log.With(zap.String("queue", name)),
		recorder: r.recorder,
	}
	r.queues[name] = q
	return q
}

// Enqueue adds payload to the named queue.
func (r *Registry) Enqueue(ctx context.Context, queueName string, payload interface{}, opts Options) (*Task, error) {
	return r.Queue(queueName).Add(ctx, payload, opts)
}

// Broker returns the underlying broker.
func (r *Registry) Broker() Broker {
	return r.broker
}

// Queue is a named, durable, delay-capable queue.
type Queue struct {
	name     string
	broker   Broker
	log      *zap.Logger
	recorder Recorder

	mu        sync.Mutex
	consumers []*Consumer
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Add schedules payload for delivery no earlier than now+opts.Delay.
// Broker failures are returned to the caller as-is (wrapped). A keyed
// enqueue that finds its key taken returns the existing task.
func (q *Queue) Add(ctx context.Context, payload interface{}, opts Options) (*Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal task payload")
	}

	if opts.Interval != "" {
		if _, err := ParseInterval(opts.Interval); err != nil {
			return nil, err
		}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}

	now := time.Now()
	due := now
	if opts.Delay > 0 {
		due = now.Add(opts.Delay)
	}

	task, err := q.broker.Push(ctx, &Task{
		Queue:            q.name,
		Key:              opts.Key,
		Payload:          body,
		SleepUntil:       &due,
		Priority:         opts.Priority,
		MaxAttempts:      opts.MaxAttempts,
		Interval:         opts.Interval,
		RepeatUntil:      opts.RepeatUntil,
		RemoveOnComplete: !opts.KeepCompleted,
		State:            StateWaiting,
		Created:          now,
	})
	if errors.Is(err, ErrTaskExists) && task != nil {
		q.log.Debug("task already queued",
			zap.String("task_id", task.ID),
			zap.String("key", opts.Key))
		return task, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "enqueue task on %s", q.name)
	}

	q.recorder.TaskEnqueued(q.name)
	q.log.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.Duration("delay", opts.Delay),
		zap.Int("max_attempts", opts.MaxAttempts))
	return task, nil
}

// Process creates a consumer for this queue. Broker and Queue always come
// from the queue; Logger and Recorder are inherited when left empty. The
// consumer is tracked so StopAll can shut it down.
func (q *Queue) Process(config ConsumerConfig) (*Consumer, error) {
	config.Broker = q.broker
	config.Queue = q.name
	if config.Logger == nil {
		config.Logger = q.log
	}
	if config.Recorder == nil {
		config.Recorder = q.recorder
	}

	c, err := NewConsumer(config)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.consumers = append(q.consumers, c)
	q.mu.Unlock()
	return c, nil
}

// StopAll stops every consumer created through the registry's queues.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	var errs error
	for _, q := range queues {
		q.mu.Lock()
		consumers := append([]*Consumer(nil), q.consumers...)
		q.mu.Unlock()
		for _, c := range consumers {
			if err := c.Stop(ctx); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "stop consumer of %s", q.name))
			}
		}
	}
	return errs
}
