package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DEEJ4Y/servicehub/internal/redistest"
	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBroker(t *testing.T) *Broker {
	t.Helper()
	pool, prefix := redistest.Pool(t)
	broker, err := NewBroker(Config{Pool: pool, Prefix: prefix})
	require.NoError(t, err)
	return broker
}

func TestNewBroker(t *testing.T) {
	_, err := NewBroker(Config{})
	assert.Error(t, err)

	b, err := NewBroker(Config{Pool: NewPool(PoolConfig{Server: "127.0.0.1:0"})})
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, b.prefix)
}

func TestParseMillis(t *testing.T) {
	assert.Nil(t, parseMillis(""))
	assert.Nil(t, parseMillis("nope"))

	ts := time.UnixMilli(1700000000123)
	got := parseMillis(formatMillis(ts))
	require.NotNil(t, got)
	assert.True(t, got.Equal(ts))
}

func TestBroker_Lifecycle(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()
	reg := queue.NewRegistry(broker, nil, nil)

	task, err := reg.Enqueue(ctx, "jobs", map[string]string{"jobId": "abc"}, queue.Options{MaxAttempts: 3})
	require.NoError(t, err)

	leased, err := broker.LockNext(ctx, "jobs", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, task.ID, leased.ID)
	assert.Equal(t, 1, leased.Attempts)
	assert.Equal(t, queue.StateActive, leased.State)
	assert.JSONEq(t, `{"jobId":"abc"}`, string(leased.Payload))
	require.NotNil(t, leased.SleepUntil)
	assert.WithinDuration(t, *task.SleepUntil, *leased.SleepUntil, time.Millisecond)

	again, err := broker.LockNext(ctx, "jobs", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, broker.Fail(ctx, task.ID, "gave up"))
	failed, err := broker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, failed.State)
	assert.Equal(t, "gave up", failed.LastError)
	assert.Nil(t, failed.SleepUntil)

	ids, err := broker.Failed(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)
}

func TestBroker_DelayAndPriority(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()
	reg := queue.NewRegistry(broker, nil, nil)

	_, err := reg.Enqueue(ctx, "jobs", "later", queue.Options{Delay: time.Hour, Priority: 1})
	require.NoError(t, err)
	_, err = reg.Enqueue(ctx, "jobs", "low", queue.Options{Priority: 5})
	require.NoError(t, err)
	high, err := reg.Enqueue(ctx, "jobs", "high", queue.Options{Priority: 2})
	require.NoError(t, err)

	leased, err := broker.LockNext(ctx, "jobs", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, high.ID, leased.ID)

	require.NoError(t, broker.Complete(ctx, leased.ID, true))
	_, err = broker.Get(ctx, leased.ID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)

	next, err := broker.LockNext(ctx, "jobs", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)
	var payload string
	require.NoError(t, next.Decode(&payload))
	assert.Equal(t, "low", payload)

	// the delayed task is not due yet
	none, err := broker.LockNext(ctx, "jobs", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBroker_KeyedPush(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()
	reg := queue.NewRegistry(broker, nil, nil)
	opts := queue.Options{Key: "reconcile", Interval: "0 */5 * * * *"}

	first, err := reg.Enqueue(ctx, "maintenance", "a", opts)
	require.NoError(t, err)

	second, err := reg.Enqueue(ctx, "maintenance", "b", opts)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "reconcile", second.Key)
	assert.JSONEq(t, `"a"`, string(second.Payload))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := reg.Enqueue(ctx, "sweep", i, queue.Options{Key: "only"})
			if assert.NoError(t, err) {
				ids[i] = task.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	// removing the task frees its key
	require.NoError(t, broker.Complete(ctx, first.ID, true))
	third, err := reg.Enqueue(ctx, "maintenance", "c", opts)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)

	leased, err := broker.LockNext(ctx, "maintenance", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, third.ID, leased.ID)
}

func TestBroker_UpdateUnknownTask(t *testing.T) {
	broker := setupBroker(t)
	err := broker.Update(context.Background(), "missing", queue.NewTaskUpdate(nil))
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
}

func TestBroker_ConcurrentConsumers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}
	broker := setupBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	const numTasks = 500
	reg := queue.NewRegistry(broker, nil, nil)
	for i := 0; i < numTasks; i++ {
		_, err := reg.Enqueue(ctx, "jobs", i, queue.Options{})
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		total  atomic.Int64
	)
	for i := 0; i < 10; i++ {
		c, err := reg.Queue("jobs").Process(queue.ConsumerConfig{
			Handler: func(ctx context.Context, task *queue.Task) error {
				mu.Lock()
				counts[task.ID]++
				mu.Unlock()
				total.Add(1)
				return nil
			},
			IdleDelay: 20 * time.Millisecond,
		})
		require.NoError(t, err)
		require.NoError(t, c.Start(ctx))
	}

	require.Eventually(t, func() bool { return total.Load() >= numTasks }, time.Minute, 50*time.Millisecond)
	require.NoError(t, reg.StopAll(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, counts, numTasks)
	for id, n := range counts {
		assert.Equal(t, 1, n, "task %s ran %d times", id, n)
	}
}
