package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/logging"
)

// fakeHandoff is a minimal dispatch.Handoff double recording which job went
// to which worker, so failover tests can assert redelivery without pulling
// in the full wsbridge.Hub.
type fakeHandoff struct {
	delivered map[string]string // jobID -> workerID
}

func newFakeHandoff() *fakeHandoff { return &fakeHandoff{delivered: map[string]string{}} }

func (h *fakeHandoff) Dispatch(job dispatch.Snapshot, workerID string) error {
	h.delivered[job.ID.String()] = workerID
	return nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("dev")
	require.NoError(t, err)
	return log
}

func TestSelectExactMatch(t *testing.T) {
	r := New(testLogger(t), DefaultConfig())
	r.Register("addon-1", []string{"download"}, nil)
	r.Register("addon-2", []string{"download"}, nil)

	decision, ok := r.Select([]string{"download"}, "addon-1")
	require.True(t, ok)
	assert.Equal(t, "addon-1", decision.WorkerID)
	assert.Equal(t, "exact_match", decision.Reason)
	assert.Equal(t, 1.0, decision.Confidence)
}

func TestSelectBestCapabilityTieBreaksOnActiveRequestsThenLatencyThenID(t *testing.T) {
	r := New(testLogger(t), DefaultConfig())
	r.Register("worker-b", []string{"download"}, nil)
	r.Register("worker-a", []string{"download"}, nil)

	// equal active_requests and latency -> lowest worker_id wins
	decision, ok := r.Select([]string{"download"}, "")
	require.True(t, ok)
	assert.Equal(t, "worker-a", decision.WorkerID)
	assert.Equal(t, "best_capability", decision.Reason)

	r.MarkDispatched("worker-a")
	decision2, ok := r.Select([]string{"download"}, "")
	require.True(t, ok)
	assert.Equal(t, "worker-b", decision2.WorkerID, "worker-a now has more active requests")
}

func TestSelectExcludesMissingCapability(t *testing.T) {
	r := New(testLogger(t), DefaultConfig())
	r.Register("worker-1", []string{"upload"}, nil)

	_, ok := r.Select([]string{"download"}, "")
	assert.False(t, ok)
}

func TestHeartbeatResetsMissCounter(t *testing.T) {
	r := New(testLogger(t), Config{HeartbeatInterval: 10 * time.Millisecond, HeartbeatMissThreshold: 2})
	r.Register("worker-1", nil, nil)
	r.mu.Lock()
	r.workers["worker-1"].HeartbeatMiss = 1
	r.mu.Unlock()

	r.Heartbeat("worker-1", true)

	r.mu.RLock()
	miss := r.workers["worker-1"].HeartbeatMiss
	r.mu.RUnlock()
	assert.Equal(t, 0, miss)
}

func TestRecordCompletionUpdatesRollingAverage(t *testing.T) {
	r := New(testLogger(t), DefaultConfig())
	r.Register("worker-1", nil, nil)
	r.MarkDispatched("worker-1")

	r.RecordCompletion("worker-1", true, 100*time.Millisecond)
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1), snap[0].Processed)
	assert.Equal(t, int64(1), snap[0].Succeeded)
	assert.Equal(t, 0, snap[0].ActiveReqs)
	assert.InDelta(t, 100.0, snap[0].AvgLatencyMs, 0.001)
}

func TestCountsByStatusTalliesEveryKnownStatus(t *testing.T) {
	r := New(testLogger(t), DefaultConfig())
	r.Register("worker-1", nil, nil)
	r.Register("worker-2", nil, nil)
	r.Register("worker-3", nil, nil)

	r.Heartbeat("worker-2", false) // -> unhealthy

	r.mu.Lock()
	r.workers["worker-3"].Status = StatusDisconnected
	r.mu.Unlock()

	counts := r.CountsByStatus()
	assert.Equal(t, 1, counts[string(StatusConnected)])
	assert.Equal(t, 1, counts[string(StatusUnhealthy)])
	assert.Equal(t, 1, counts[string(StatusDisconnected)])
}

// dispatchOneJobTo drives a single job through the real dispatcher so it
// lands in the queue's processing set owned by workerID, the way the
// failover tests need it set up without reaching into queue internals.
func dispatchOneJobTo(t *testing.T, q *dispatch.Queue, r *Registry, h *fakeHandoff, workerID string) *dispatch.Job {
	t.Helper()
	job := dispatch.NewJob(dispatch.PriorityNormal, dispatch.Payload{Tool: "download"}, 5, "c1", "/queue/enqueue")
	require.NoError(t, q.Enqueue(job))

	d := dispatch.NewDispatcher(testLogger(t), q, r, h, nil, dispatch.DispatcherConfig{
		MaxConcurrent: 1,
		RateLimit:     100,
		PollInterval:  time.Millisecond,
	})
	d.SetHandoff(h)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, ok := q.Status(job.ID)
		return ok && got.OwnerWorkerID == workerID
	}, time.Second, time.Millisecond, "job never dispatched to %s", workerID)

	cancel()
	return job
}

func TestFailoverReassignsToAnotherWorkerOnHeartbeatMiss(t *testing.T) {
	cfg := Config{HeartbeatInterval: time.Minute, HeartbeatMissThreshold: 1}
	r := New(testLogger(t), cfg)
	r.Register("worker-1", []string{"download"}, nil)
	r.Register("worker-2", []string{"download"}, nil)

	q := dispatch.NewQueue(testLogger(t), nil, 10)
	r.SetQueue(q)
	h := newFakeHandoff()
	r.SetHandoff(h)

	job := dispatchOneJobTo(t, q, r, h, "worker-1")

	r.mu.Lock()
	r.workers["worker-1"].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.sweep()

	got, ok := q.Status(job.ID)
	require.True(t, ok)
	assert.Equal(t, "worker-2", got.OwnerWorkerID)
	assert.Equal(t, 1, got.Reroutes)
	assert.Equal(t, 2, got.Attempts, "a re-route counts as a fresh attempt per spec example 5")
	assert.Equal(t, "worker-2", h.delivered[job.ID.String()], "failover should redeliver the job to its new owner")
}

func TestFailoverRequeuesWhenNoOtherWorkerAvailable(t *testing.T) {
	cfg := Config{HeartbeatInterval: time.Millisecond, HeartbeatMissThreshold: 1}
	r := New(testLogger(t), cfg)
	r.Register("worker-1", []string{"download"}, nil)

	q := dispatch.NewQueue(testLogger(t), nil, 10)
	r.SetQueue(q)
	h := newFakeHandoff()
	r.SetHandoff(h)

	job := dispatchOneJobTo(t, q, r, h, "worker-1")

	r.mu.Lock()
	r.workers["worker-1"].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.sweep()

	got, ok := q.Status(job.ID)
	require.True(t, ok)
	assert.Equal(t, dispatch.StatusPending, got.Status)
	assert.Equal(t, "", got.OwnerWorkerID)
	assert.Equal(t, 1, got.Reroutes)
	assert.Equal(t, 2, got.Attempts, "a re-route counts as a fresh attempt per spec example 5")
}
