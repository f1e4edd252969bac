// Package events implements the in-process publish-subscribe hub of spec
// §4.6: six tool/execution lifecycle event kinds plus the queue events of §4.2-§4.5,
// delivered to priority-ordered, per-kind subscriber lists with retry,
// backoff, and a bounded dead-letter list on exhaustion.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

// Canonical lifecycle kinds (spec §4.6), in addition to the queue:* kinds
// published directly by internal/dispatch.
const (
	KindToolActivating       = "tool:activating"
	KindToolActivated        = "tool:activated"
	KindToolActivationFailed = "tool:activation:failed"
	KindExecutionStarted     = "execution:started"
	KindExecutionCompleted   = "execution:completed"
	KindExecutionFailed      = "execution:failed"
)

// Event is the stable schema every publish produces (spec §4.6: "{type,
// timestamp, data:{job_id, worker_id?, ...}}").
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Handler processes one event. Handlers must be idempotent: directed
// delivery to workers is at-least-once, and a retried in-process handler
// may also see the same event twice across a timeout/retry boundary.
type Handler func(ctx context.Context, ev Event) error

// SubConfig configures one subscription's retry/backoff/timeout behavior
// (spec §4.6: "{retry_on_failure, max_retries, retry_delay, timeout, priority}").
type SubConfig struct {
	RetryOnFailure bool
	MaxRetries     int
	RetryDelay     time.Duration
	Timeout        time.Duration
	Priority       int // lower runs first within a kind
}

// DefaultSubConfig retries a failing handler up to 3 times, starting at a
// 200ms delay, with a 5s per-call timeout.
func DefaultSubConfig() SubConfig {
	return SubConfig{RetryOnFailure: true, MaxRetries: 3, RetryDelay: 200 * time.Millisecond, Timeout: 5 * time.Second}
}

// DeadLetter is one exhausted delivery, retained for operator inspection.
type DeadLetter struct {
	SubscriptionID string
	Event          Event
	Error          string
	FailedAt       time.Time
}

type subscription struct {
	id      string
	kinds   map[string]struct{} // empty set == all kinds
	handler Handler
	cfg     SubConfig
}

func (s *subscription) matches(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// kindQueue is the single dispatch pipeline shared by every subscription
// matching one event kind. Serializing delivery through one goroutine per
// kind, rather than one per subscription, is what makes Priority meaningful:
// for a given kind, every event is handed to its matching subscribers in
// Priority order, lowest first, before the next event in that kind is
// dispatched.
type kindQueue struct {
	inbox chan Event
}

// WorkerSender is implemented by internal/dispatch/wsbridge.Hub: it knows
// how to deliver to a specific worker's channel, or broadcast to all
// connected workers (spec §4.6 fanout policy).
type WorkerSender interface {
	Deliver(workerID string, ev Event) error
	Broadcast(ev Event)
}

// Bus is the event hub. It satisfies dispatch.EventPublisher so
// internal/dispatch can publish into it without importing this package.
type Bus struct {
	log *logging.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	queuesMu sync.Mutex
	queues   map[string]*kindQueue

	worker WorkerSender

	dlqMu     sync.Mutex
	dlq       []DeadLetter
	maxDLQLen int

	wg sync.WaitGroup
}

// New constructs an empty Bus. maxDLQLen <= 0 uses the spec default of 1000.
func New(log *logging.Logger, maxDLQLen int) *Bus {
	if maxDLQLen <= 0 {
		maxDLQLen = 1000
	}
	return &Bus{
		log:       log.With("component", "events.Bus"),
		subs:      map[string]*subscription{},
		queues:    map[string]*kindQueue{},
		maxDLQLen: maxDLQLen,
	}
}

// SetWorkerSender wires the wsbridge hub used for worker-addressed and
// broadcast delivery.
func (b *Bus) SetWorkerSender(w WorkerSender) { b.worker = w }

// Subscribe registers handler for the given event kinds (empty == all
// kinds) at the given priority (lower runs first within a kind). Returns a
// subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(kinds []string, handler Handler, cfg SubConfig) string {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	kindSet := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	sub := &subscription{
		id:      uuid.NewString(),
		kinds:   kindSet,
		handler: handler,
		cfg:     cfg,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription. It takes effect for the next event
// dispatched on each kind queue; an event already in flight still delivers
// to it.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish implements dispatch.EventPublisher. It enqueues onto eventType's
// kind queue, which delivers to every matching subscription in Priority
// order (lowest first) before moving on to the next queued event of that
// kind — see kindQueue. It then — if the event carries a worker_id —
// attempts directed delivery to that worker, falling back to broadcast on
// failure; with no worker_id it always broadcasts.
func (b *Bus) Publish(eventType string, jobID uuid.UUID, workerID string, data map[string]any) {
	merged := make(map[string]any, len(data)+2)
	for k, v := range data {
		merged[k] = v
	}
	if jobID != uuid.Nil {
		merged["job_id"] = jobID
	}
	if workerID != "" {
		merged["worker_id"] = workerID
	}
	ev := Event{Type: eventType, Timestamp: time.Now(), Data: merged}

	q := b.kindQueueFor(eventType)
	select {
	case q.inbox <- ev:
	default:
		b.log.Warn("kind dispatch queue full, dropping event", "event_type", eventType)
	}

	if b.worker == nil {
		return
	}
	if workerID != "" {
		if err := b.worker.Deliver(workerID, ev); err != nil {
			b.worker.Broadcast(ev)
		}
		return
	}
	b.worker.Broadcast(ev)
}

// kindQueueFor returns the shared dispatch queue for kind, creating it (and
// its pump goroutine) on first use.
func (b *Bus) kindQueueFor(kind string) *kindQueue {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	if q, ok := b.queues[kind]; ok {
		return q
	}
	q := &kindQueue{inbox: make(chan Event, 256)}
	b.queues[kind] = q
	b.wg.Add(1)
	go b.pumpKind(kind, q)
	return q
}

func (b *Bus) pumpKind(kind string, q *kindQueue) {
	defer b.wg.Done()
	for ev := range q.inbox {
		b.deliverToKind(kind, ev)
	}
}

// deliverToKind delivers ev to every subscription currently matching kind,
// in Priority order (ties broken by subscription id for determinism), one
// at a time. Running them sequentially on the kind's own goroutine is what
// makes a lower-Priority subscriber's retries never jump ahead of a
// higher-priority one for the same event.
func (b *Bus) deliverToKind(kind string, ev Event) {
	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(kind) {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matching, func(i, j int) bool {
		if matching[i].cfg.Priority != matching[j].cfg.Priority {
			return matching[i].cfg.Priority < matching[j].cfg.Priority
		}
		return matching[i].id < matching[j].id
	})

	for _, s := range matching {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	attempt := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), sub.cfg.Timeout)
		err := sub.handler(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		attempt++
		if !sub.cfg.RetryOnFailure || attempt > sub.cfg.MaxRetries {
			b.deadLetter(sub.id, ev, err)
			return
		}
		delay := sub.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
		time.Sleep(delay)
	}
}

func (b *Bus) deadLetter(subID string, ev Event, err error) {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	b.dlq = append(b.dlq, DeadLetter{SubscriptionID: subID, Event: ev, Error: err.Error(), FailedAt: time.Now()})
	if len(b.dlq) > b.maxDLQLen {
		b.dlq = b.dlq[len(b.dlq)-b.maxDLQLen:]
	}
	b.log.Warn("event handler exhausted retries, dead-lettered", "subscription_id", subID, "event_type", ev.Type, "error", err)
}

// DeadLetters returns a snapshot of the event bus's own dead-letter list.
func (b *Bus) DeadLetters() []DeadLetter {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	out := make([]DeadLetter, len(b.dlq))
	copy(out, b.dlq)
	return out
}
