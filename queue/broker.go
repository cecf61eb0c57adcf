package queue

import (
	"context"
	"time"
)

// Broker defines the storage operations a delay-capable queue needs.
// Any backend can implement this interface to carry tasks.
//
// Implementations must be safe for concurrent use and LockNext must be
// atomic: two workers calling it at the same moment never receive the same
// task while its lease is live.
type Broker interface {
	// Push stores a new task in the waiting state and returns it with its
	// broker-assigned ID. When task.Key is set and the queue already holds
	// a task with that key, Push stores nothing and returns the existing
	// task together with ErrTaskExists.
	Push(ctx context.Context, task *Task) (*Task, error)

	// LockNext atomically finds and leases the next due task of the queue.
	// It should:
	// 1. Find a task of queueName whose sleepUntil is set and <= now
	// 2. Prefer the lowest priority, then the earliest sleepUntil
	// 3. Set sleepUntil to lockUntil, mark it active and increment Attempts
	// 4. Return the task with its ORIGINAL sleepUntil and the incremented Attempts
	//
	// Returns nil task if nothing is due.
	LockNext(ctx context.Context, queueName string, lockUntil time.Time) (*Task, error)

	// Update modifies a leased task, typically to reschedule a retry or the
	// next run of a repeating task.
	Update(ctx context.Context, taskID string, updates TaskUpdate) error

	// Complete marks a task as successfully processed, removing it when
	// remove is true.
	Complete(ctx context.Context, taskID string, remove bool) error

	// Fail moves a task to the failed state after its attempts ran out.
	Fail(ctx context.Context, taskID string, reason string) error
}
