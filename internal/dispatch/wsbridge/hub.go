// Package wsbridge is the WebSocket half of the Event Bus & Fanout Bridge
// (spec §4.6): a persistent, bidirectional, JSON-framed channel per worker,
// used both to hand off dispatched jobs and to stream lifecycle events back.
package wsbridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/dispatch/events"
	"github.com/fluxgate/dispatchcore/internal/dispatch/registry"
	"github.com/fluxgate/dispatchcore/internal/logging"
)

func parseJobID(s string) (uuid.UUID, error) { return uuid.Parse(s) }

var errClientBacklogFull = errors.New("wsbridge: client send backlog full")

// Hub tracks every connected worker's channel and implements both
// dispatch.Handoff (job delivery) and events.WorkerSender (directed/
// broadcast event fanout), per spec §4.6's fanout policy.
type Hub struct {
	log      *logging.Logger
	registry *registry.Registry
	queue    *dispatch.Queue
	jwtKey   []byte // empty disables init-frame bearer validation

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub constructs a Hub. jwtKey may be nil/empty to accept workers
// without bearer validation (development mode).
func NewHub(log *logging.Logger, reg *registry.Registry, queue *dispatch.Queue, jwtKey []byte) *Hub {
	return &Hub{
		log:      log.With("component", "wsbridge.Hub"),
		registry: reg,
		queue:    queue,
		jwtKey:   jwtKey,
		clients:  map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, blocks on the init frame, registers
// the worker with the registry, and spawns its read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	var initFrame Frame
	if err := conn.ReadJSON(&initFrame); err != nil || initFrame.Type != FrameInit {
		h.log.Warn("worker channel did not open with init frame", "error", err)
		_ = conn.Close()
		return
	}
	if initFrame.WorkerID == "" {
		_ = conn.Close()
		return
	}
	if len(h.jwtKey) > 0 {
		if !h.validateToken(initFrame.Token) {
			h.log.Warn("worker init frame failed token validation", "worker_id", initFrame.WorkerID)
			_ = conn.Close()
			return
		}
	}

	c := newClient(h, initFrame.WorkerID, conn)
	h.mu.Lock()
	if old, exists := h.clients[c.workerID]; exists {
		close(old.send)
	}
	h.clients[c.workerID] = c
	h.mu.Unlock()

	h.registry.Register(initFrame.WorkerID, initFrame.Capabilities, initFrame.Metadata)
	_ = c.enqueue(Frame{Type: FrameAck, WorkerID: c.workerID})

	go c.writePump()
	c.readPump()
}

func (h *Hub) validateToken(token string) bool {
	if token == "" {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return h.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if current, ok := h.clients[c.workerID]; ok && current == c {
		delete(h.clients, c.workerID)
	}
	h.mu.Unlock()
	h.registry.Deregister(c.workerID, "channel_closed")
}

func (h *Hub) handleFrame(c *client, f Frame) {
	switch f.Type {
	case FrameHeartbeat:
		h.registry.Heartbeat(c.workerID, true)
		_ = c.enqueue(Frame{Type: FrameAck, WorkerID: c.workerID})
	case FrameComplete:
		jobID, err := parseJobID(f.JobID)
		if err != nil {
			return
		}
		if err := h.queue.Complete(jobID, f.Result); err != nil {
			h.log.Warn("complete frame for unknown/terminal job", "job_id", f.JobID, "worker_id", c.workerID, "error", err)
		}
	case FrameFail:
		jobID, err := parseJobID(f.JobID)
		if err != nil {
			return
		}
		jobErr := dispatch.JobError{Message: "worker reported failure"}
		if f.Error != nil {
			jobErr = dispatch.JobError{Message: f.Error.Message, Code: f.Error.Code, Trace: f.Error.Trace}
		}
		if err := h.queue.Fail(jobID, jobErr); err != nil {
			h.log.Warn("fail frame for unknown/terminal job", "job_id", f.JobID, "worker_id", c.workerID, "error", err)
		}
	default:
		h.log.Debug("unhandled frame type from worker", "type", f.Type, "worker_id", c.workerID)
	}
}

// Dispatch implements dispatch.Handoff: hand a job to workerID's channel.
func (h *Hub) Dispatch(job dispatch.Snapshot, workerID string) error {
	c, ok := h.client(workerID)
	if !ok {
		return errors.New("wsbridge: worker not connected: " + workerID)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.enqueue(Frame{Type: FrameDispatch, JobID: job.ID.String(), WorkerID: workerID, Payload: payload})
}

// Deliver implements events.WorkerSender's directed-delivery half.
func (h *Hub) Deliver(workerID string, ev events.Event) error {
	c, ok := h.client(workerID)
	if !ok {
		return errors.New("wsbridge: worker not connected: " + workerID)
	}
	return c.enqueue(Frame{Type: FrameEvent, WorkerID: workerID, EventType: ev.Type, EventData: ev.Data})
}

// Broadcast implements events.WorkerSender's broadcast half: best-effort,
// skipping clients whose backlog is full rather than blocking the caller.
func (h *Hub) Broadcast(ev events.Event) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		_ = c.enqueue(Frame{Type: FrameEvent, EventType: ev.Type, EventData: ev.Data})
	}
}

func (h *Hub) client(workerID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[workerID]
	return c, ok
}
