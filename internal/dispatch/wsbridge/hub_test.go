package wsbridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/dispatch/events"
	"github.com/fluxgate/dispatchcore/internal/dispatch/registry"
	"github.com/fluxgate/dispatchcore/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("dev")
	require.NoError(t, err)
	return log
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	log := testLogger(t)
	q := dispatch.NewQueue(log, nil, 100)
	reg := registry.New(log, registry.DefaultConfig())
	reg.SetQueue(q)
	hub := NewHub(log, reg, q, nil)
	reg.SetHandoff(hub)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialWorker(t *testing.T, srv *httptest.Server, workerID string, capabilities []string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameInit, WorkerID: workerID, Capabilities: capabilities}))

	var ack Frame
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, FrameAck, ack.Type)
	return conn
}

func TestServeHTTPRegistersWorkerOnInit(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialWorker(t, srv, "worker-1", []string{"download"})
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	snap := hub.registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "worker-1", snap[0].ID)
}

func TestDispatchDeliversFrameToConnectedWorker(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialWorker(t, srv, "worker-1", []string{"download"})
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	job := dispatch.NewJob(dispatch.PriorityNormal, dispatch.Payload{Tool: "download"}, 3, "client-1", "/queue/enqueue")
	err := hub.Dispatch(job.Snapshot(), "worker-1")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, FrameDispatch, f.Type)
	assert.Equal(t, job.ID.String(), f.JobID)
}

func TestDispatchToUnknownWorkerFails(t *testing.T) {
	hub, _ := newTestHub(t)
	job := dispatch.NewJob(dispatch.PriorityNormal, dispatch.Payload{Tool: "download"}, 3, "client-1", "/queue/enqueue")
	err := hub.Dispatch(job.Snapshot(), "ghost-worker")
	assert.Error(t, err)
}

func TestDeliverAndBroadcast(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialWorker(t, srv, "worker-1", nil)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, hub.Deliver("worker-1", events.Event{Type: "execution:completed", Data: map[string]any{"x": 1}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, "execution:completed", f.EventType)

	assert.NotPanics(t, func() { hub.Broadcast(events.Event{Type: "execution:completed"}) })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f2 Frame
	require.NoError(t, conn.ReadJSON(&f2))
	assert.Equal(t, FrameEvent, f2.Type)
}

func TestHandleCompleteFrameUpdatesQueue(t *testing.T) {
	log := testLogger(t)
	q := dispatch.NewQueue(log, nil, 100)
	reg := registry.New(log, registry.DefaultConfig())
	reg.SetQueue(q)
	hub := NewHub(log, reg, q, nil)
	reg.SetHandoff(hub)
	q.SetWorkerStats(reg)

	disp := dispatch.NewDispatcher(log, q, reg, hub, nil, dispatch.DefaultDispatcherConfig())
	disp.SetHandoff(hub)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	conn := dialWorker(t, srv, "worker-1", []string{"download"})
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	job := dispatch.NewJob(dispatch.PriorityNormal, dispatch.Payload{Tool: "download"}, 3, "client-1", "/queue/enqueue")
	require.NoError(t, q.Enqueue(job))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var dispatched Frame
	require.NoError(t, conn.ReadJSON(&dispatched))
	require.Equal(t, FrameDispatch, dispatched.Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameComplete, JobID: job.ID.String(), Result: "ok"}))
	time.Sleep(100 * time.Millisecond)

	got, ok := q.Status(job.ID)
	require.True(t, ok)
	assert.Equal(t, dispatch.StatusCompleted, got.Status)
}
