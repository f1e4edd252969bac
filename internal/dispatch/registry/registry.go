// Package registry implements the Worker Registry & Router (spec §4.4):
// connect/heartbeat/disconnect lifecycle, capability-aware routing with
// exact-match/best-capability tie-breaks, and failover re-routing when a
// worker goes quiet past its heartbeat-miss threshold.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxgate/dispatchcore/internal/dispatch"
	"github.com/fluxgate/dispatchcore/internal/logging"
)

// Status is a Worker's connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusUnhealthy    Status = "unhealthy"
	StatusDisconnected Status = "disconnected"
)

// Worker is the registry's record for one connected extension (spec §3).
type Worker struct {
	ID           string
	Capabilities map[string]struct{}
	Status       Status
	Metadata     map[string]any

	LastSeen      time.Time
	ConnectedAt   time.Time
	ActiveReqs    int
	Processed     int64
	Succeeded     int64
	Failed        int64
	AvgLatencyMs  float64
	HeartbeatMiss int
}

// Snapshot is the JSON-friendly view returned by Registry.Snapshot.
type Snapshot struct {
	ID            string         `json:"id"`
	Capabilities  []string       `json:"capabilities"`
	Status        Status         `json:"status"`
	LastSeen      time.Time      `json:"last_seen"`
	ConnectedAt   time.Time      `json:"connected_at"`
	ActiveReqs    int            `json:"active_requests"`
	Processed     int64          `json:"processed"`
	Succeeded     int64          `json:"succeeded"`
	Failed        int64          `json:"failed"`
	AvgLatencyMs  float64        `json:"avg_latency_ms"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (w *Worker) hasAll(required []string) bool {
	for _, c := range required {
		if _, ok := w.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

func (w *Worker) snapshot() Snapshot {
	caps := make([]string, 0, len(w.Capabilities))
	for c := range w.Capabilities {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return Snapshot{
		ID: w.ID, Capabilities: caps, Status: w.Status,
		LastSeen: w.LastSeen, ConnectedAt: w.ConnectedAt, ActiveReqs: w.ActiveReqs,
		Processed: w.Processed, Succeeded: w.Succeeded, Failed: w.Failed,
		AvgLatencyMs: w.AvgLatencyMs, Metadata: w.Metadata,
	}
}

// Config holds the §4.4/§6 heartbeat tunables.
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatMissThreshold int
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second, HeartbeatMissThreshold: 3}
}

// Registry is the worker directory and router. It implements
// dispatch.Router and dispatch.WorkerStatsRecorder so the dispatcher and
// queue can use it without importing this package's concrete type.
type Registry struct {
	log *logging.Logger
	cfg Config

	mu      sync.RWMutex
	workers map[string]*Worker

	queue   *dispatch.Queue
	handoff dispatch.Handoff
}

// New constructs an empty Registry. queue/handoff are used by the failover
// loop and may be wired after construction with SetQueue/SetHandoff.
func New(log *logging.Logger, cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatMissThreshold <= 0 {
		cfg.HeartbeatMissThreshold = 3
	}
	return &Registry{
		log:     log.With("component", "registry.Registry"),
		cfg:     cfg,
		workers: map[string]*Worker{},
	}
}

func (r *Registry) SetQueue(q *dispatch.Queue)      { r.queue = q }
func (r *Registry) SetHandoff(h dispatch.Handoff)    { r.handoff = h }

// Register connects a worker, replacing any prior record for the same id.
func (r *Registry) Register(workerID string, capabilities []string, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	now := time.Now()
	r.workers[workerID] = &Worker{
		ID: workerID, Capabilities: caps, Status: StatusConnected, Metadata: metadata,
		LastSeen: now, ConnectedAt: now,
	}
	r.log.Info("worker registered", "worker_id", workerID, "capabilities", capabilities)
}

// Deregister removes a worker and triggers failover for anything it owned.
func (r *Registry) Deregister(workerID string, reason string) {
	r.mu.Lock()
	_, existed := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()
	if !existed {
		return
	}
	r.log.Info("worker deregistered", "worker_id", workerID, "reason", reason)
	r.failover(workerID)
}

// Heartbeat resets a worker's liveness clock and miss counter.
func (r *Registry) Heartbeat(workerID string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.LastSeen = time.Now()
	w.HeartbeatMiss = 0
	if healthy {
		if w.Status == StatusUnhealthy {
			w.Status = StatusConnected
		}
	} else {
		w.Status = StatusUnhealthy
	}
}

// Snapshot returns every known worker.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountsByStatus tallies registered workers by connection status, for the
// registry gauge in dispatch.PromMetrics (kept here rather than in
// dispatch.Sync itself since dispatch cannot import this package without a
// cycle).
func (r *Registry) CountsByStatus() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[string]int{
		string(StatusConnected):    0,
		string(StatusUnhealthy):    0,
		string(StatusDisconnected): 0,
	}
	for _, w := range r.workers {
		counts[string(w.Status)]++
	}
	return counts
}

// Select implements dispatch.Router (spec §4.4 routing decision).
func (r *Registry) Select(requiredCapabilities []string, addonID string) (dispatch.RouteDecision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if addonID != "" {
		if w, ok := r.workers[addonID]; ok && w.Status == StatusConnected && w.hasAll(requiredCapabilities) {
			return dispatch.RouteDecision{WorkerID: w.ID, Reason: "exact_match", Confidence: 1.0}, true
		}
	}

	var candidates []*Worker
	for _, w := range r.workers {
		if w.Status == StatusConnected && w.hasAll(requiredCapabilities) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return dispatch.RouteDecision{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ActiveReqs != b.ActiveReqs {
			return a.ActiveReqs < b.ActiveReqs
		}
		if a.AvgLatencyMs != b.AvgLatencyMs {
			return a.AvgLatencyMs < b.AvgLatencyMs
		}
		return a.ID < b.ID
	})
	best := candidates[0]
	return dispatch.RouteDecision{WorkerID: best.ID, Reason: "best_capability", Confidence: 0.8}, true
}

// RecordCompletion implements dispatch.WorkerStatsRecorder, updating the
// rolling averages the router's tie-break depends on.
func (r *Registry) RecordCompletion(workerID string, success bool, latency time.Duration) {
	if workerID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	if w.ActiveReqs > 0 {
		w.ActiveReqs--
	}
	w.Processed++
	if success {
		w.Succeeded++
	} else {
		w.Failed++
	}
	ms := float64(latency.Milliseconds())
	if w.Processed == 1 {
		w.AvgLatencyMs = ms
	} else {
		w.AvgLatencyMs += (ms - w.AvgLatencyMs) / float64(w.Processed)
	}
}

// MarkDispatched increments active_requests; called when the dispatcher
// hands a job to this worker (invariant §3.5 #1).
func (r *Registry) MarkDispatched(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.ActiveReqs++
	}
}

// Run ticks at HeartbeatInterval, demoting workers past the miss threshold
// to disconnected and triggering their failover (spec §4.4).
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	var toFail []string
	r.mu.Lock()
	for id, w := range r.workers {
		if w.Status == StatusDisconnected {
			continue
		}
		if now.Sub(w.LastSeen) > r.cfg.HeartbeatInterval {
			w.HeartbeatMiss++
			if w.HeartbeatMiss >= r.cfg.HeartbeatMissThreshold {
				w.Status = StatusDisconnected
				toFail = append(toFail, id)
			}
		}
	}
	r.mu.Unlock()
	for _, id := range toFail {
		r.log.Warn("worker missed heartbeat threshold, marking disconnected", "worker_id", id)
		r.failover(id)
	}
}

// failover re-evaluates every job the disconnected worker owned: reroute to
// another candidate when one exists, otherwise return it to its priority
// bucket (spec §4.4 failover). Either way the job's Reroutes and Attempts
// both go up by one; the max_attempts/DLQ check is not run here.
func (r *Registry) failover(workerID string) {
	if r.queue == nil {
		return
	}
	for _, j := range r.queue.ProcessingSnapshot() {
		snap := j.Snapshot()
		if snap.OwnerWorkerID != workerID {
			continue
		}
		decision, ok := r.Select(requiredCapabilitiesOf(snap), "")
		if ok {
			if r.queue.FailoverReassign(snap.ID, decision.WorkerID) {
				r.MarkDispatched(decision.WorkerID)
				if r.handoff != nil {
					if err := r.handoff.Dispatch(j.Snapshot(), decision.WorkerID); err != nil {
						r.log.Warn("failover redelivery failed", "job_id", snap.ID, "worker_id", decision.WorkerID, "error", err)
					}
				}
			}
			continue
		}
		r.queue.FailoverRequeue(snap.ID)
	}
}

func requiredCapabilitiesOf(s dispatch.Snapshot) []string {
	if s.Payload.Tool == "" {
		return nil
	}
	return []string{s.Payload.Tool}
}
