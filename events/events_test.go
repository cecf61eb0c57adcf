package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DEEJ4Y/servicehub/queue"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   int
}

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("chat service unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) delivered() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestNew(t *testing.T) {
	a := New(JobScheduled, "job-1", map[string]string{"schedule": "2030-01-01T00:00:00Z"})
	b := New(JobScheduled, "job-1", nil)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "job-1", a.Subject)
	assert.WithinDuration(t, time.Now(), a.OccurredAt, time.Second)
}

func TestQueueEmitter_Emit(t *testing.T) {
	broker := queue.NewMemoryBroker()
	emitter := NewQueueEmitter(queue.NewRegistry(broker, nil, nil))

	ev := New(JobStatusChanged, "job-1", map[string]string{"from": "SCHEDULED", "to": "IN_PROGRESS"})
	require.NoError(t, emitter.Emit(context.Background(), ev))

	tasks := broker.Tasks(Queue)
	require.Len(t, tasks, 1)
	assert.Equal(t, MaxAttempts, tasks[0].MaxAttempts)

	var got Event
	require.NoError(t, tasks[0].Decode(&got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Data, got.Data)
}

func TestQueueEmitter_BrokerFailure(t *testing.T) {
	broker := queue.NewMemoryBroker()
	broker.PushErr = errors.New("broker down")
	emitter := NewQueueEmitter(queue.NewRegistry(broker, nil, nil))

	err := emitter.Emit(context.Background(), New(JobScheduled, "job-1", nil))
	assert.ErrorIs(t, err, broker.PushErr)
}

func TestDelivery_RetriesFailingSink(t *testing.T) {
	broker := queue.NewMemoryBroker()
	reg := queue.NewRegistry(broker, nil, nil)
	sink := &recordingSink{fail: 2}

	c, err := reg.Queue(Queue).Process(queue.ConsumerConfig{
		Handler:    Handler(sink, nil),
		IdleDelay:  10 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ev := New(JobScheduled, "job-9", nil)
	require.NoError(t, NewQueueEmitter(reg).Emit(context.Background(), ev))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(context.Background())

	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ev.ID, sink.delivered()[0].ID)
	require.Eventually(t, func() bool { return broker.CountPending(Queue) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHandler_DropsUndecodablePayload(t *testing.T) {
	sink := &recordingSink{}
	err := Handler(sink, nil)(context.Background(), &queue.Task{ID: "t1", Payload: []byte("not json")})
	assert.NoError(t, err)
	assert.Empty(t, sink.delivered())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Deliver(context.Background(), New(JobStatusChanged, "job-3", map[string]string{"to": "COMPLETED"})))

	entries := logs.FilterMessage("domain event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, JobStatusChanged, fields["type"])
	assert.Equal(t, "job-3", fields["subject"])
	assert.Equal(t, "COMPLETED", fields["to"])
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.Emit(context.Background(), New("x", "y", nil)))
}
