package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTaskNotFound is returned by brokers when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned by Broker.Push alongside the stored task
	// when a task with the same key is already queued.
	ErrTaskExists = errors.New("task with this key already exists")
)

// MemoryBroker is an in-process Broker. Tasks do not survive a restart, so
// it is meant for tests and single-process development runs.
type MemoryBroker struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	idCounter int

	// PushErr, when set, is returned by Push to simulate an unreachable broker.
	PushErr error
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		tasks:     make(map[string]*Task),
		idCounter: 1,
	}
}

// Push stores a copy of task and assigns it an id.
func (b *MemoryBroker) Push(ctx context.Context, task *Task) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PushErr != nil {
		return nil, b.PushErr
	}
	if task.Key != "" {
		for _, existing := range b.tasks {
			if existing.Queue == task.Queue && existing.Key == task.Key {
				return copyTask(existing), ErrTaskExists
			}
		}
	}

	stored := copyTask(task)
	stored.ID = strconv.Itoa(b.idCounter)
	b.idCounter++
	if stored.State == "" {
		stored.State = StateWaiting
	}
	b.tasks[stored.ID] = stored
	return copyTask(stored), nil
}

// LockNext leases the due task with the lowest priority, then earliest due time.
func (b *MemoryBroker) LockNext(ctx context.Context, queueName string, lockUntil time.Time) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var next *Task

	for _, task := range b.tasks {
		if task.Queue != queueName || task.SleepUntil == nil {
			continue
		}
		if task.SleepUntil.After(now) {
			continue
		}
		if next == nil || task.Priority < next.Priority ||
			(task.Priority == next.Priority && task.SleepUntil.Before(*next.SleepUntil)) {
			next = task
		}
	}

	if next == nil {
		return nil, nil
	}

	// Hand out a copy with the original sleepUntil
	next.Attempts++
	taskCopy := copyTask(next)

	next.SleepUntil = &lockUntil
	next.State = StateActive

	return taskCopy, nil
}

// Update applies updates to a task.
func (b *MemoryBroker) Update(ctx context.Context, taskID string, updates TaskUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, exists := b.tasks[taskID]
	if !exists {
		return errors.Wrapf(ErrTaskNotFound, "task %s", taskID)
	}

	if updates.SleepUntil != nil {
		task.SleepUntil = *updates.SleepUntil
	}
	if updates.State != "" {
		task.State = updates.State
	}
	if updates.LastError != nil {
		task.LastError = *updates.LastError
	}
	if updates.ResetAttempts {
		task.Attempts = 0
	}
	return nil
}

// Complete finishes a task, deleting it when remove is true.
func (b *MemoryBroker) Complete(ctx context.Context, taskID string, remove bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, exists := b.tasks[taskID]
	if !exists {
		return errors.Wrapf(ErrTaskNotFound, "task %s", taskID)
	}
	if remove {
		delete(b.tasks, taskID)
		return nil
	}
	task.SleepUntil = nil
	task.State = StateCompleted
	return nil
}

// Fail moves a task to the failed state.
func (b *MemoryBroker) Fail(ctx context.Context, taskID string, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, exists := b.tasks[taskID]
	if !exists {
		return errors.Wrapf(ErrTaskNotFound, "task %s", taskID)
	}
	task.SleepUntil = nil
	task.State = StateFailed
	task.LastError = reason
	return nil
}

// Get returns a copy of the task with the given id.
func (b *MemoryBroker) Get(taskID string) (*Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil, false
	}
	return copyTask(task), true
}

// Tasks returns copies of all tasks of a queue.
func (b *MemoryBroker) Tasks(queueName string) []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Task
	for _, task := range b.tasks {
		if task.Queue == queueName {
			out = append(out, copyTask(task))
		}
	}
	return out
}

// CountPending returns the number of tasks that are still scheduled.
func (b *MemoryBroker) CountPending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, task := range b.tasks {
		if task.Queue == queueName && task.SleepUntil != nil {
			count++
		}
	}
	return count
}

func copyTask(task *Task) *Task {
	c := *task
	if task.Payload != nil {
		c.Payload = append([]byte(nil), task.Payload...)
	}
	if task.SleepUntil != nil {
		t := *task.SleepUntil
		c.SleepUntil = &t
	}
	if task.RepeatUntil != nil {
		t := *task.RepeatUntil
		c.RepeatUntil = &t
	}
	return &c
}
