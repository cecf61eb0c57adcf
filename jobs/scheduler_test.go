package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DEEJ4Y/servicehub/events"
	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (e *recordingEmitter) Emit(_ context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEmitter) ofType(eventType string) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Event
	for _, ev := range e.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store     *MemoryStore
	broker    *queue.MemoryBroker
	queues    *queue.Registry
	emitter   *recordingEmitter
	scheduler *Scheduler
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		broker:  queue.NewMemoryBroker(),
		emitter: &recordingEmitter{},
		now:     time.Now().UTC().Truncate(time.Millisecond),
	}
	f.queues = queue.NewRegistry(f.broker, nil, nil)

	s, err := NewScheduler(SchedulerConfig{
		Store:  f.store,
		Queues: f.queues,
		Events: f.emitter,
		Now:    func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.scheduler = s
	return f
}

func (f *fixture) transitions(t *testing.T) []ScheduledTransition {
	t.Helper()
	var out []ScheduledTransition
	for _, task := range f.broker.Tasks(TransitionQueue) {
		var tr ScheduledTransition
		require.NoError(t, json.Unmarshal(task.Payload, &tr))
		out = append(out, tr)
	}
	return out
}

func TestNewScheduler(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{Queues: queue.NewRegistry(queue.NewMemoryBroker(), nil, nil)})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Store: NewMemoryStore()})
	assert.Error(t, err)

	s, err := NewScheduler(SchedulerConfig{Store: NewMemoryStore(), Queues: queue.NewRegistry(queue.NewMemoryBroker(), nil, nil)})
	require.NoError(t, err)
	assert.Equal(t, DefaultTransitionAttempts, s.maxAttempts)
	assert.Equal(t, events.Discard, s.events)
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.store.Insert(Job{Title: "Fix roof", Status: StatusScheduled})
	at := f.now.Add(5 * time.Second)

	got, err := f.scheduler.Schedule(ctx, job.ID.Hex(), at)
	require.NoError(t, err)
	require.NotNil(t, got.Schedule)
	assert.True(t, got.Schedule.Equal(at))

	stored, err := f.store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, stored.Schedule)
	assert.True(t, stored.Schedule.Equal(at))
	assert.Equal(t, StatusScheduled, stored.Status, "status flips only when the task fires")

	tasks := f.broker.Tasks(TransitionQueue)
	require.Len(t, tasks, 1)
	assert.Equal(t, DefaultTransitionAttempts, tasks[0].MaxAttempts)
	require.NotNil(t, tasks[0].SleepUntil)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), *tasks[0].SleepUntil, time.Second)

	transitions := f.transitions(t)
	assert.Equal(t, job.ID.Hex(), transitions[0].JobID)
	assert.Equal(t, StatusInProgress, transitions[0].TargetStatus)
	assert.True(t, transitions[0].ScheduledFor.Equal(at))

	assert.Len(t, f.emitter.ofType(events.JobScheduled), 1)
}

func TestSchedule_ByJobIDString(t *testing.T) {
	f := newFixture(t)
	job := f.store.Insert(Job{Title: "Fix roof", JobIDString: "JOB-42", Status: StatusScheduled})

	_, err := f.scheduler.Schedule(context.Background(), "JOB-42", f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, job.ID.Hex(), f.transitions(t)[0].JobID)
}

func TestSchedule_JobNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.Schedule(context.Background(), "64b7f0c2a1b2c3d4e5f60718", f.now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Empty(t, f.broker.Tasks(TransitionQueue))
}

func TestSchedule_AlreadyScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.store.Insert(Job{Title: "Paint", Status: StatusScheduled})
	first := f.now.Add(time.Hour)

	_, err := f.scheduler.Schedule(ctx, job.ID.Hex(), first)
	require.NoError(t, err)

	_, err = f.scheduler.Schedule(ctx, job.ID.Hex(), first.Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyScheduled)

	stored, err := f.store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.True(t, stored.Schedule.Equal(first), "original schedule unchanged")
	assert.Len(t, f.broker.Tasks(TransitionQueue), 1, "no second trigger")
}

func TestSchedule_InvalidTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.store.Insert(Job{Title: "Paint", Status: StatusScheduled})

	for _, at := range []time.Time{f.now, f.now.Add(-time.Millisecond), f.now.Add(-24 * time.Hour)} {
		_, err := f.scheduler.Schedule(ctx, job.ID.Hex(), at)
		assert.ErrorIs(t, err, ErrInvalidScheduleTime)
	}

	stored, err := f.store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Nil(t, stored.Schedule)
	assert.Empty(t, f.broker.Tasks(TransitionQueue))
	assert.Empty(t, f.emitter.ofType(events.JobScheduled))
}

func TestSchedule_CheckOrder(t *testing.T) {
	f := newFixture(t)
	at := f.now.Add(time.Hour)
	job := f.store.Insert(Job{Title: "Paint", Status: StatusScheduled, Schedule: &at})

	// an existing schedule is reported before the time check
	_, err := f.scheduler.Schedule(context.Background(), job.ID.Hex(), f.now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyScheduled)
}

func TestSchedule_EnqueueFailureLeavesJobUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.store.Insert(Job{Title: "Paint", Status: StatusScheduled})
	f.broker.PushErr = errors.New("broker unreachable")

	_, err := f.scheduler.Schedule(ctx, job.ID.Hex(), f.now.Add(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, f.broker.PushErr)

	stored, err := f.store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Nil(t, stored.Schedule)
	assert.Empty(t, f.emitter.ofType(events.JobScheduled))
}

func TestSchedule_PersistFailure(t *testing.T) {
	f := newFixture(t)
	job := f.store.Insert(Job{Title: "Paint", Status: StatusScheduled})
	f.store.SetScheduleErr = errors.New("db down")

	_, err := f.scheduler.Schedule(context.Background(), job.ID.Hex(), f.now.Add(time.Minute))
	assert.ErrorIs(t, err, f.store.SetScheduleErr)
}

func TestSchedule_EmitFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	job := f.store.Insert(Job{Title: "Paint", Status: StatusScheduled})
	f.emitter.err = errors.New("events queue down")

	_, err := f.scheduler.Schedule(context.Background(), job.ID.Hex(), f.now.Add(time.Minute))
	assert.NoError(t, err)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("reopening clears the schedule", func(t *testing.T) {
		f := newFixture(t)
		at := f.now.Add(time.Hour)
		job := f.store.Insert(Job{Title: "a", Status: StatusInProgress, Schedule: &at})

		updated, err := f.scheduler.UpdateStatus(ctx, job.ID.Hex(), StatusScheduled)
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, updated.Status)
		assert.Nil(t, updated.Schedule)

		changes := f.emitter.ofType(events.JobStatusChanged)
		require.Len(t, changes, 1)
		assert.Equal(t, "IN_PROGRESS", changes[0].Data["from"])
		assert.Equal(t, "SCHEDULED", changes[0].Data["to"])
	})

	t.Run("scheduled to scheduled keeps the schedule", func(t *testing.T) {
		f := newFixture(t)
		at := f.now.Add(time.Hour)
		job := f.store.Insert(Job{Title: "b", Status: StatusScheduled, Schedule: &at})

		updated, err := f.scheduler.UpdateStatus(ctx, job.ID.Hex(), StatusScheduled)
		require.NoError(t, err)
		require.NotNil(t, updated.Schedule)
		assert.True(t, updated.Schedule.Equal(at))
	})

	t.Run("completing stamps completedAt", func(t *testing.T) {
		f := newFixture(t)
		job := f.store.Insert(Job{Title: "c", Status: StatusInProgress})

		updated, err := f.scheduler.UpdateStatus(ctx, job.ID.Hex(), StatusCompleted)
		require.NoError(t, err)
		require.NotNil(t, updated.CompletedAt)
		assert.True(t, updated.CompletedAt.Equal(f.now))
	})

	t.Run("completing again keeps completedAt", func(t *testing.T) {
		f := newFixture(t)
		done := f.now.Add(-24 * time.Hour)
		job := f.store.Insert(Job{Title: "c", Status: StatusCompleted, CompletedAt: &done})

		updated, err := f.scheduler.UpdateStatus(ctx, job.ID.Hex(), StatusCompleted)
		require.NoError(t, err)
		require.NotNil(t, updated.CompletedAt)
		assert.True(t, updated.CompletedAt.Equal(done))
	})

	t.Run("unknown status", func(t *testing.T) {
		f := newFixture(t)
		job := f.store.Insert(Job{Title: "d", Status: StatusInProgress})

		_, err := f.scheduler.UpdateStatus(ctx, job.ID.Hex(), Status("PAUSED"))
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("missing job", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.scheduler.UpdateStatus(ctx, "JOB-missing", StatusCanceled)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestListSchedulable(t *testing.T) {
	f := newFixture(t)
	at := f.now.Add(time.Hour)
	free := f.store.Insert(Job{Title: "free", Status: StatusScheduled})
	f.store.Insert(Job{Title: "booked", Status: StatusScheduled, Schedule: &at})
	f.store.Insert(Job{Title: "running", Status: StatusInProgress})

	list, err := f.scheduler.ListSchedulable(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, free.ID, list[0].ID)
}
