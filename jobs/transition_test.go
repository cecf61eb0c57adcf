package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DEEJ4Y/servicehub/events"
	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails ApplyTransition a fixed number of times.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) ApplyTransition(ctx context.Context, t ScheduledTransition) (Status, bool, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return "", false, errors.New("write conflict")
	}
	return s.MemoryStore.ApplyTransition(ctx, t)
}

func transitionTask(t *testing.T, tr ScheduledTransition) *queue.Task {
	t.Helper()
	broker := queue.NewMemoryBroker()
	task, err := queue.NewRegistry(broker, nil, nil).Enqueue(context.Background(), TransitionQueue, tr, queue.Options{})
	require.NoError(t, err)
	return task
}

func TestHandleTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.now.Add(-time.Second)
	job := f.store.Insert(Job{Title: "a", Status: StatusScheduled, Schedule: &at})
	task := transitionTask(t, ScheduledTransition{JobID: job.ID.Hex(), TargetStatus: StatusInProgress, ScheduledFor: at})

	require.NoError(t, f.scheduler.HandleTransition(ctx, task))

	stored, err := f.store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, stored.Status)
	assert.Nil(t, stored.Schedule)
	changes := f.emitter.ofType(events.JobStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "SCHEDULED", changes[0].Data["from"])
	assert.Equal(t, "IN_PROGRESS", changes[0].Data["to"])

	// a redelivery of the same task changes nothing
	require.NoError(t, f.scheduler.HandleTransition(ctx, task))
	assert.Len(t, f.emitter.ofType(events.JobStatusChanged), 1)
}

func TestHandleTransition_ReportsPreviousStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.now.Add(-time.Second)
	// a status change that bypassed UpdateStatus left the schedule armed
	job := f.store.Insert(Job{Title: "a", Status: StatusCanceled, Schedule: &at})
	task := transitionTask(t, ScheduledTransition{JobID: job.ID.Hex(), TargetStatus: StatusInProgress, ScheduledFor: at})

	require.NoError(t, f.scheduler.HandleTransition(ctx, task))

	changes := f.emitter.ofType(events.JobStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "CANCELED", changes[0].Data["from"])
	assert.Equal(t, "IN_PROGRESS", changes[0].Data["to"])
}

func TestHandleTransition_StaleAfterReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.now.Add(-time.Second)
	job := f.store.Insert(Job{Title: "a", Status: StatusInProgress, Schedule: &at})

	_, err := f.scheduler.UpdateStatus(ctx, job.ID.Hex(), StatusScheduled)
	require.NoError(t, err)

	task := transitionTask(t, ScheduledTransition{JobID: job.ID.Hex(), TargetStatus: StatusInProgress, ScheduledFor: at})
	require.NoError(t, f.scheduler.HandleTransition(ctx, task))

	stored, err := f.store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status)
}

func TestHandleTransition_DeletedJob(t *testing.T) {
	f := newFixture(t)
	at := f.now.Add(-time.Second)
	job := f.store.Insert(Job{Title: "a", Status: StatusDeleted, Schedule: &at})

	task := transitionTask(t, ScheduledTransition{JobID: job.ID.Hex(), TargetStatus: StatusInProgress, ScheduledFor: at})
	require.NoError(t, f.scheduler.HandleTransition(context.Background(), task))

	stored, err := f.store.Get(context.Background(), job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, stored.Status)
}

func TestHandleTransition_StoreErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.store}
	store.failures.Store(1)
	s, err := NewScheduler(SchedulerConfig{Store: store, Queues: f.queues})
	require.NoError(t, err)

	at := f.now.Add(-time.Second)
	job := f.store.Insert(Job{Title: "a", Status: StatusScheduled, Schedule: &at})
	task := transitionTask(t, ScheduledTransition{JobID: job.ID.Hex(), TargetStatus: StatusInProgress, ScheduledFor: at})

	assert.Error(t, s.HandleTransition(context.Background(), task))
	assert.NoError(t, s.HandleTransition(context.Background(), task))
}

func TestHandleTransition_UndecodablePayload(t *testing.T) {
	f := newFixture(t)
	err := f.scheduler.HandleTransition(context.Background(), &queue.Task{ID: "x", Payload: []byte("{")})
	assert.NoError(t, err)
}

func startConsumer(t *testing.T, s *Scheduler, config queue.ConsumerConfig) *queue.Consumer {
	t.Helper()
	if config.IdleDelay == 0 {
		config.IdleDelay = 20 * time.Millisecond
	}
	c, err := s.Consume(config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		c.Stop(stopCtx)
	})
	return c
}

func TestEndToEnd_ScheduledTransitionFiresOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping 5s end-to-end test in short mode")
	}

	store := NewMemoryStore()
	broker := queue.NewMemoryBroker()
	emitter := &recordingEmitter{}
	s, err := NewScheduler(SchedulerConfig{
		Store:  store,
		Queues: queue.NewRegistry(broker, nil, nil),
		Events: emitter,
	})
	require.NoError(t, err)

	ctx := context.Background()
	job := store.Insert(Job{Title: "Fix roof", Status: StatusScheduled})

	start := time.Now()
	_, err = s.Schedule(ctx, job.ID.Hex(), start.Add(5000*time.Millisecond))
	require.NoError(t, err)

	// several workers race for the same task
	startConsumer(t, s, queue.ConsumerConfig{Concurrency: 4})

	time.Sleep(4 * time.Second)
	stored, err := store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status, "status must not flip before the delay")

	require.Eventually(t, func() bool {
		j, err := store.Get(ctx, job.ID.Hex())
		return err == nil && j.Status == StatusInProgress
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 4999*time.Millisecond)

	require.Eventually(t, func() bool { return len(broker.Tasks(TransitionQueue)) == 0 }, 2*time.Second, 20*time.Millisecond)
	assert.Len(t, emitter.ofType(events.JobStatusChanged), 1, "transition applied exactly once")

	stored, err = store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Nil(t, stored.Schedule)
}

func TestEndToEnd_ReopenedJobIgnoresStaleTask(t *testing.T) {
	store := NewMemoryStore()
	broker := queue.NewMemoryBroker()
	s, err := NewScheduler(SchedulerConfig{Store: store, Queues: queue.NewRegistry(broker, nil, nil)})
	require.NoError(t, err)

	ctx := context.Background()
	job := store.Insert(Job{Title: "Paint", Status: StatusScheduled})
	_, err = s.Schedule(ctx, job.ID.Hex(), time.Now().Add(300*time.Millisecond))
	require.NoError(t, err)

	// someone starts the job by hand, then re-opens it
	_, err = s.UpdateStatus(ctx, job.ID.Hex(), StatusInProgress)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, job.ID.Hex(), StatusScheduled)
	require.NoError(t, err)

	startConsumer(t, s, queue.ConsumerConfig{})

	require.Eventually(t, func() bool { return len(broker.Tasks(TransitionQueue)) == 0 }, 5*time.Second, 20*time.Millisecond)
	stored, err := store.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status)
}

func TestEndToEnd_RetriesThenApplies(t *testing.T) {
	base := NewMemoryStore()
	store := &flakyStore{MemoryStore: base}
	store.failures.Store(2)
	broker := queue.NewMemoryBroker()
	s, err := NewScheduler(SchedulerConfig{Store: store, Queues: queue.NewRegistry(broker, nil, nil)})
	require.NoError(t, err)

	ctx := context.Background()
	job := base.Insert(Job{Title: "Paint", Status: StatusScheduled})
	_, err = s.Schedule(ctx, job.ID.Hex(), time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	startConsumer(t, s, queue.ConsumerConfig{RetryDelay: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		j, err := base.Get(ctx, job.ID.Hex())
		return err == nil && j.Status == StatusInProgress
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestEndToEnd_AttemptsExhausted(t *testing.T) {
	base := NewMemoryStore()
	store := &flakyStore{MemoryStore: base}
	store.failures.Store(100)
	broker := queue.NewMemoryBroker()
	s, err := NewScheduler(SchedulerConfig{Store: store, Queues: queue.NewRegistry(broker, nil, nil)})
	require.NoError(t, err)

	ctx := context.Background()
	job := base.Insert(Job{Title: "Paint", Status: StatusScheduled})
	_, err = s.Schedule(ctx, job.ID.Hex(), time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	startConsumer(t, s, queue.ConsumerConfig{RetryDelay: 5 * time.Millisecond})

	require.Eventually(t, func() bool {
		tasks := broker.Tasks(TransitionQueue)
		return len(tasks) == 1 && tasks[0].State == queue.StateFailed
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(DefaultTransitionAttempts), store.calls.Load())

	stored, err := base.Get(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status, "the transition is lost")
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	overdue := f.now.Add(-time.Hour)
	recent := f.now.Add(-time.Minute)
	future := f.now.Add(time.Hour)

	lost := f.store.Insert(Job{Title: "lost", Status: StatusScheduled, Schedule: &overdue})
	f.store.Insert(Job{Title: "recent", Status: StatusScheduled, Schedule: &recent})
	f.store.Insert(Job{Title: "future", Status: StatusScheduled, Schedule: &future})

	n, err := f.scheduler.Reconcile(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	transitions := f.transitions(t)
	require.Len(t, transitions, 1)
	assert.Equal(t, lost.ID.Hex(), transitions[0].JobID)
	assert.True(t, transitions[0].ScheduledFor.Equal(overdue))

	task := f.broker.Tasks(TransitionQueue)[0]
	require.NoError(t, f.scheduler.HandleTransition(ctx, task))
	stored, err := f.store.Get(ctx, lost.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, stored.Status)
}

func TestReconcile_BrokerFailure(t *testing.T) {
	f := newFixture(t)
	overdue := f.now.Add(-time.Hour)
	f.store.Insert(Job{Title: "lost", Status: StatusScheduled, Schedule: &overdue})
	f.broker.PushErr = errors.New("broker down")

	n, err := f.scheduler.Reconcile(context.Background(), time.Minute, 0)
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestReconciler(t *testing.T) {
	f := newFixture(t)

	_, err := NewReconciler(ReconcilerConfig{})
	assert.Error(t, err)

	_, err = NewReconciler(ReconcilerConfig{Scheduler: f.scheduler, Spec: "not a cron"})
	assert.Error(t, err)

	overdue := f.now.Add(-time.Hour)
	f.store.Insert(Job{Title: "lost", Status: StatusScheduled, Schedule: &overdue})

	// a second process sharing the broker and the store
	other, err := NewScheduler(SchedulerConfig{
		Store:  f.store,
		Queues: queue.NewRegistry(f.broker, nil, nil),
		Now:    func() time.Time { return f.now },
	})
	require.NoError(t, err)

	fast := queue.ConsumerConfig{IdleDelay: 20 * time.Millisecond}
	a, err := NewReconciler(ReconcilerConfig{Scheduler: f.scheduler, Spec: "* * * * * *", Consumer: fast})
	require.NoError(t, err)
	b, err := NewReconciler(ReconcilerConfig{Scheduler: other, Spec: "*/2 * * * * *", Consumer: fast})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	tasks := f.broker.Tasks(ReconcileQueue)
	require.Len(t, tasks, 1, "one reconcile task per broker")
	assert.Equal(t, "* * * * * *", tasks[0].Interval)

	require.Eventually(t, func() bool { return len(f.broker.Tasks(TransitionQueue)) > 0 }, 3*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(stopCtx))
	assert.NoError(t, b.Stop(stopCtx))

	tasks = f.broker.Tasks(ReconcileQueue)
	require.Len(t, tasks, 1)
	assert.NotNil(t, tasks[0].SleepUntil, "the repeating task outlives the process")
}

func TestReconciler_StartFailsWhenBrokerDown(t *testing.T) {
	f := newFixture(t)
	f.broker.PushErr = errors.New("broker down")

	r, err := NewReconciler(ReconcilerConfig{Scheduler: f.scheduler})
	require.NoError(t, err)
	assert.Error(t, r.Start(context.Background()))
	assert.Empty(t, f.broker.Tasks(ReconcileQueue))
}
