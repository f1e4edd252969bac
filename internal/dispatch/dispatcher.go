package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

// RouteDecision is what the worker registry/router hands back for a job
// (spec §4.4's routing decision).
type RouteDecision struct {
	WorkerID   string
	Reason     string // "exact_match" | "best_capability"
	Confidence float64
}

// Router selects a worker for a job's required capabilities (spec §4.4).
// Implemented by internal/dispatch/registry.Registry.
type Router interface {
	Select(requiredCapabilities []string, addonID string) (RouteDecision, bool)
}

// Handoff delivers a job to the worker chosen by Router (spec §4.3 step 4's
// "request a worker from C4"). Implemented by internal/dispatch/wsbridge.
type Handoff interface {
	Dispatch(job Snapshot, workerID string) error
}

// DispatcherConfig holds the §4.3/§6 tunables.
type DispatcherConfig struct {
	MaxConcurrent     int
	RateLimit         int // tokens/second, also the bucket's burst capacity
	ProcessingTimeout time.Duration
	NoWorkerGrace     time.Duration
	PollInterval      time.Duration
	NoWorkerRetryWait time.Duration
}

// DefaultDispatcherConfig mirrors the spec's stated defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxConcurrent:     10,
		RateLimit:         50,
		ProcessingTimeout: 30 * time.Second,
		NoWorkerGrace:     10 * time.Second,
		PollInterval:      20 * time.Millisecond,
		NoWorkerRetryWait: 500 * time.Millisecond,
	}
}

const EventNoWorkerWarning = "dispatch:no_worker_warning"

// Dispatcher is the cooperative loop of spec §4.3: gate on concurrency and
// rate limit, select the next due job across priorities, hand it to a
// worker, and arm a processing timeout that synthesizes a failure if the
// worker never calls back.
type Dispatcher struct {
	log    *logging.Logger
	queue  *Queue
	router Router
	handoff Handoff
	cfg    DispatcherConfig
	limiter *rate.Limiter

	timersMu sync.Mutex
	timers   map[uuid.UUID]*time.Timer

	noWorkerMu    sync.Mutex
	noWorkerSince map[uuid.UUID]time.Time
}

// NewDispatcher wires a Dispatcher and installs itself as the queue's event
// publisher (wrapping realPub) so completion events cancel timeout timers.
func NewDispatcher(log *logging.Logger, queue *Queue, router Router, handoff Handoff, realPub EventPublisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.NoWorkerGrace <= 0 {
		cfg.NoWorkerGrace = 10 * time.Second
	}
	if cfg.NoWorkerRetryWait <= 0 {
		cfg.NoWorkerRetryWait = 500 * time.Millisecond
	}
	d := &Dispatcher{
		log:           log.With("component", "Dispatcher"),
		queue:         queue,
		router:        router,
		handoff:       handoff,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		timers:        map[uuid.UUID]*time.Timer{},
		noWorkerSince: map[uuid.UUID]time.Time{},
	}
	queue.SetPublisher(&dispatcherPublisher{d: d, inner: realPub})
	return d
}

// SetHandoff rewires the delivery target, used when the Handoff (e.g. the
// WebSocket hub) is constructed after the Dispatcher itself.
func (d *Dispatcher) SetHandoff(h Handoff) { d.handoff = h }

// Run blocks until ctx is cancelled, repeatedly attempting to dispatch the
// next due job. Intended to be launched as a goroutine by the process
// lifecycle (internal/app).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.queue.ProcessingCount() >= d.cfg.MaxConcurrent {
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		if !d.limiter.Allow() {
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		j, ok := d.queue.nextDue(time.Now())
		if !ok {
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		d.dispatchOne(j)
	}
}

func (d *Dispatcher) dispatchOne(j *Job) {
	snap := j.Snapshot()
	decision, ok := d.router.Select(requiredCapabilities(snap), snap.Payload.AddonID)
	if !ok {
		d.handleNoWorker(j)
		return
	}
	d.clearNoWorker(j.ID)

	d.queue.beginProcessing(j, decision.WorkerID)
	if obs, ok := d.router.(interface{ MarkDispatched(string) }); ok {
		obs.MarkDispatched(decision.WorkerID)
	}
	d.armTimeout(j.ID)

	if d.handoff == nil {
		return
	}
	if err := d.handoff.Dispatch(j.Snapshot(), decision.WorkerID); err != nil {
		d.cancelTimeout(j.ID)
		_ = d.queue.Fail(j.ID, JobError{Message: "dispatch handoff failed: " + err.Error(), Code: "dispatch_failed"})
	}
}

// handleNoWorker re-buckets a job with a short backoff per spec §4.4 step 3
// and tracks how long it has gone unserved, warning once it exceeds
// no_worker_grace.
func (d *Dispatcher) handleNoWorker(j *Job) {
	now := time.Now()
	next := now.Add(d.cfg.NoWorkerRetryWait)
	j.withLock(func() {
		j.NextRetryAt = &next
	})
	d.queue.requeue(j)

	d.noWorkerMu.Lock()
	first, seen := d.noWorkerSince[j.ID]
	if !seen {
		d.noWorkerSince[j.ID] = now
		first = now
	}
	waited := now.Sub(first)
	d.noWorkerMu.Unlock()

	if waited >= d.cfg.NoWorkerGrace {
		d.log.Warn("job waiting past no_worker_grace with no eligible worker", "job_id", j.ID, "waited", waited)
		d.queue.pub.Publish(EventNoWorkerWarning, j.ID, "", map[string]any{"waited_ms": waited.Milliseconds()})
	}
}

func (d *Dispatcher) clearNoWorker(id uuid.UUID) {
	d.noWorkerMu.Lock()
	delete(d.noWorkerSince, id)
	d.noWorkerMu.Unlock()
}

func (d *Dispatcher) armTimeout(id uuid.UUID) {
	timer := time.AfterFunc(d.cfg.ProcessingTimeout, func() {
		d.timersMu.Lock()
		delete(d.timers, id)
		d.timersMu.Unlock()
		_ = d.queue.TimeoutFail(id)
	})
	d.timersMu.Lock()
	d.timers[id] = timer
	d.timersMu.Unlock()
}

func (d *Dispatcher) cancelTimeout(id uuid.UUID) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
}

// dispatcherPublisher sits between Queue and the real event bus so the
// dispatcher can cancel a job's processing-timeout timer the instant it
// leaves the processing set, regardless of which path (complete/fail/dlq)
// did so.
type dispatcherPublisher struct {
	d     *Dispatcher
	inner EventPublisher
}

func (p *dispatcherPublisher) Publish(eventType string, jobID uuid.UUID, workerID string, data map[string]any) {
	switch eventType {
	case EventItemCompleted, EventItemRetry, EventItemDLQ:
		p.d.cancelTimeout(jobID)
	}
	if p.inner != nil {
		p.inner.Publish(eventType, jobID, workerID, data)
	}
}

// requiredCapabilities derives the capability requirement from a job's
// tool descriptor; a job with no declared tool can be served by any worker.
func requiredCapabilities(s Snapshot) []string {
	if s.Payload.Tool == "" {
		return nil
	}
	return []string{s.Payload.Tool}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
