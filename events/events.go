// Package events carries domain events out of the service layer.
//
// Events are emitted after the primary write succeeds and travel through
// their own queue, so a failing consumer such as the chat service never
// affects the write that produced the event.
package events

import (
	"context"
	"time"

	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Queue is the queue events are delivered through.
	Queue = "domain-events"

	// MaxAttempts bounds delivery of a single event to its sink.
	MaxAttempts = 5
)

// Event types.
const (
	JobScheduled     = "job.scheduled"
	JobStatusChanged = "job.status_changed"
)

// Event is something that happened to a domain entity.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Subject    string            `json:"subject"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// New creates an event with a fresh id.
func New(eventType, subject string, data map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Subject:    subject,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Emitter publishes events.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) error { return nil }

// QueueEmitter publishes events on the events queue.
type QueueEmitter struct {
	queues *queue.Registry
}

// NewQueueEmitter creates an emitter that enqueues on queues.
func NewQueueEmitter(queues *queue.Registry) *QueueEmitter {
	return &QueueEmitter{queues: queues}
}

// Emit enqueues ev for delivery.
func (e *QueueEmitter) Emit(ctx context.Context, ev Event) error {
	_, err := e.queues.Enqueue(ctx, Queue, ev, queue.Options{MaxAttempts: MaxAttempts})
	if err != nil {
		return errors.Wrapf(err, "emit %s event", ev.Type)
	}
	return nil
}

// Sink receives delivered events.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Handler returns a queue handler that decodes events and passes them to
// sink. A sink error makes the event eligible for redelivery; an undecodable
// payload is logged and dropped.
func Handler(sink Sink, log *zap.Logger) queue.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, task *queue.Task) error {
		var ev Event
		if err := task.Decode(&ev); err != nil {
			log.Warn("dropping undecodable event", zap.String("task_id", task.ID), zap.Error(err))
			return nil
		}
		return sink.Deliver(ctx, ev)
	}
}

// LogSink writes events to a logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

// Deliver logs ev.
func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("subject", ev.Subject),
		zap.Time("occurred_at", ev.OccurredAt),
	}
	for k, v := range ev.Data {
		fields = append(fields, zap.String(k, v))
	}
	s.log.Info("domain event", fields...)
	return nil
}
