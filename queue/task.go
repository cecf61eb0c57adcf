package queue

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a task inside a broker.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Task is a unit of deferred work living in a named queue.
type Task struct {
	// ID is the broker-assigned identifier.
	ID string

	// Queue is the name of the queue the task belongs to.
	Queue string

	// Key, when set, makes the task unique within its queue: pushing a
	// second task with the same key returns the stored one instead.
	Key string

	// Payload is the JSON-encoded task body handed to the consumer.
	Payload json.RawMessage

	// SleepUntil is the time the task becomes eligible for delivery.
	// While a task is being processed it holds the lease expiry instead,
	// so a crashed worker's task is redelivered once the lease runs out.
	// nil means the task is finished (completed or failed).
	SleepUntil *time.Time

	// Priority orders due tasks; lower numbers are delivered first.
	Priority int

	// Attempts counts deliveries so far, including the current one.
	Attempts int

	// MaxAttempts bounds delivery on handler failure.
	MaxAttempts int

	// Interval is a cron expression for repeating tasks.
	// Empty string means a one-shot task.
	// Format: "* * * * * *" (second minute hour day month weekday)
	Interval string

	// RepeatUntil stops a repeating task once the next run would be after it.
	// nil means repeat indefinitely.
	RepeatUntil *time.Time

	// RemoveOnComplete deletes the task from the broker after success.
	RemoveOnComplete bool

	State     State
	LastError string
	Created   time.Time
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v interface{}) error {
	return json.Unmarshal(t.Payload, v)
}

// TaskUpdate carries the fields a consumer may change on a leased task.
type TaskUpdate struct {
	// SleepUntil is the next due time.
	// - nil: don't update this field
	// - pointer to nil time: clear it (task finished)
	// - pointer to valid time: reschedule for that time
	SleepUntil **time.Time

	// State, when non-empty, replaces the task state.
	State State

	// LastError, when non-nil, replaces the recorded error.
	LastError *string

	// ResetAttempts zeroes the delivery counter, used when a repeating task
	// moves on to its next run.
	ResetAttempts bool
}

// NewTaskUpdate creates a TaskUpdate that sets sleepUntil to the given time
// and returns the task to the waiting state.
func NewTaskUpdate(sleepUntil *time.Time) TaskUpdate {
	return TaskUpdate{
		SleepUntil: &sleepUntil,
		State:      StateWaiting,
	}
}
