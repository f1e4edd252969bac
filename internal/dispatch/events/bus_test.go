package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("dev")
	require.NoError(t, err)
	return log
}

func TestPublishDeliversToMatchingSubscription(t *testing.T) {
	b := New(testLogger(t), 10)
	received := make(chan Event, 1)
	b.Subscribe([]string{KindExecutionCompleted}, func(ctx context.Context, ev Event) error {
		received <- ev
		return nil
	}, DefaultSubConfig())

	b.Publish(KindExecutionCompleted, uuid.New(), "worker-1", map[string]any{"result": "ok"})

	select {
	case ev := <-received:
		assert.Equal(t, KindExecutionCompleted, ev.Type)
		assert.Equal(t, "worker-1", ev.Data["worker_id"])
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestSubscriptionFilterIgnoresOtherKinds(t *testing.T) {
	b := New(testLogger(t), 10)
	var calls int32
	var mu sync.Mutex
	b.Subscribe([]string{KindExecutionFailed}, func(ctx context.Context, ev Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, DefaultSubConfig())

	b.Publish(KindExecutionCompleted, uuid.New(), "", nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(0), calls)
}

func TestHandlerRetriesThenDeadLetters(t *testing.T) {
	b := New(testLogger(t), 10)
	var attempts int32
	var mu sync.Mutex
	done := make(chan struct{})

	b.Subscribe([]string{KindExecutionFailed}, func(ctx context.Context, ev Event) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return errors.New("boom")
	}, SubConfig{RetryOnFailure: true, MaxRetries: 2, RetryDelay: time.Millisecond, Timeout: time.Second})

	b.Publish(KindExecutionFailed, uuid.New(), "", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not retry enough times")
	}

	time.Sleep(20 * time.Millisecond)
	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, KindExecutionFailed, dead[0].Event.Type)
}

func TestPriorityOrdersDeliveryWithinAKind(t *testing.T) {
	b := New(testLogger(t), 10)
	var mu sync.Mutex
	var order []string

	record := func(name string) Handler {
		return func(ctx context.Context, ev Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	b.Subscribe([]string{KindExecutionCompleted}, record("low"), SubConfig{Priority: 10})
	b.Subscribe([]string{KindExecutionCompleted}, record("high"), SubConfig{Priority: 1})
	b.Subscribe([]string{KindExecutionCompleted}, record("mid"), SubConfig{Priority: 5})

	b.Publish(KindExecutionCompleted, uuid.New(), "", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

type fakeWorkerSender struct {
	mu        sync.Mutex
	delivered []string
	broadcast int
	failFor   string
}

func (f *fakeWorkerSender) Deliver(workerID string, ev Event) error {
	if workerID == f.failFor {
		return errors.New("not connected")
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, workerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeWorkerSender) Broadcast(ev Event) {
	f.mu.Lock()
	f.broadcast++
	f.mu.Unlock()
}

func TestDirectedDeliveryFallsBackToBroadcastOnFailure(t *testing.T) {
	b := New(testLogger(t), 10)
	sender := &fakeWorkerSender{failFor: "ghost-worker"}
	b.SetWorkerSender(sender)

	b.Publish(KindExecutionCompleted, uuid.New(), "ghost-worker", nil)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, 1, sender.broadcast)
	assert.Empty(t, sender.delivered)
}

func TestDirectedDeliverySucceedsWithoutBroadcast(t *testing.T) {
	b := New(testLogger(t), 10)
	sender := &fakeWorkerSender{}
	b.SetWorkerSender(sender)

	b.Publish(KindExecutionCompleted, uuid.New(), "worker-1", nil)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, 0, sender.broadcast)
	assert.Equal(t, []string{"worker-1"}, sender.delivered)
}
