package dispatch

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

// EventPublisher is the seam between the queue/dispatcher and the event
// bus/WS bridge (internal/dispatch/events, internal/dispatch/wsbridge).
// Defined here rather than imported so the core queue never depends on the
// fanout machinery; a nil EventPublisher is a legal no-op subscriber set.
type EventPublisher interface {
	Publish(eventType string, jobID uuid.UUID, workerID string, data map[string]any)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, uuid.UUID, string, map[string]any) {}

// Event type constants, spec §4.2/§4.3/§4.5 ("queue:item:added", etc).
const (
	EventItemAdded        = "queue:item:added"
	EventCapacityReached  = "queue:capacity:reached"
	EventItemProcessing   = "queue:item:processing"
	EventProcess          = "queue:process"
	EventItemCompleted    = "queue:item:completed"
	EventItemRetry        = "queue:item:retry"
	EventItemDLQ          = "queue:item:dlq"
)

// bucket is one FIFO priority level. It owns its own lock so contention on
// one priority/identifier never blocks another (spec §5: "no global lock
// is permitted on the dispatch path").
type bucket struct {
	mu    sync.Mutex
	order *list.List // list.Element.Value == *Job
	index map[uuid.UUID]*list.Element
}

func newBucket() *bucket {
	return &bucket{order: list.New(), index: map[uuid.UUID]*list.Element{}}
}

func (b *bucket) push(j *Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el := b.order.PushBack(j)
	b.index[j.ID] = el
}

// remove deletes a job from the bucket by id, used by Cancel.
func (b *bucket) remove(id uuid.UUID) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.index[id]
	if !ok {
		return nil, false
	}
	delete(b.index, id)
	b.order.Remove(el)
	return el.Value.(*Job), true
}

func (b *bucket) peek(id uuid.UUID) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*Job), true
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// next returns and removes the first job whose NextRetryAt is unset or due,
// scanning from the front. Ordinary FIFO items (NextRetryAt == nil) are
// always due, so the common case is O(1); retry items that are not yet due
// are skipped in place without being removed.
func (b *bucket) next(now time.Time) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for el := b.order.Front(); el != nil; el = el.Next() {
		j := el.Value.(*Job)
		var due bool
		j.withLock(func() { due = j.NextRetryAt == nil || !j.NextRetryAt.After(now) })
		if due {
			delete(b.index, j.ID)
			b.order.Remove(el)
			return j, true
		}
	}
	return nil, false
}

func (b *bucket) snapshotAll() []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Job, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Job))
	}
	return out
}

// Metrics is the snapshot returned by Queue.Metrics (spec §4.2 metrics()).
type Metrics struct {
	HighDepth      int     `json:"high_depth"`
	NormalDepth    int     `json:"normal_depth"`
	LowDepth       int     `json:"low_depth"`
	Processing     int     `json:"processing"`
	DLQSize        int     `json:"dlq_size"`
	TotalEnqueued  int64   `json:"total_enqueued"`
	TotalProcessed int64   `json:"total_processed"`
	TotalFailed    int64   `json:"total_failed"`
	ThroughputPerS float64 `json:"throughput_per_second"`
	AvgProcessMs   float64 `json:"avg_processing_time_ms"`
}

// Queue is the bounded multi-level FIFO of spec §4.2. It composes with a
// DLQ and a completion-time rolling window to serve Metrics().
type Queue struct {
	log     *logging.Logger
	pub     EventPublisher
	maxSize int64

	buckets map[Priority]*bucket

	processingMu sync.RWMutex
	processing   map[uuid.UUID]*Job

	dlq *DLQ

	totalQueued    atomic.Int64 // sum of bucket depths, kept for O(1) capacity checks
	totalEnqueued  atomic.Int64
	totalProcessed atomic.Int64
	totalFailed    atomic.Int64
	atCapacity     atomic.Bool // tracks the rising/falling edge for capacity:reached

	throughput *throughputWindow
	avgProc    *rollingAverage

	retryPolicy RetryPolicy
	rateRel     RateReleaser
	workerStats WorkerStatsRecorder
}

// RateReleaser decrements the admission-layer concurrent counter for a
// caller identifier once its job reaches a terminal state for this attempt
// (spec §4.1: "Concurrent counter is ... decremented on terminal state").
type RateReleaser interface {
	Release(identifier, endpoint string)
}

// WorkerStatsRecorder feeds a job's completion back into the worker
// registry's rolling statistics (spec §4.4: processed/succeeded/failed,
// avg_latency, active_requests).
type WorkerStatsRecorder interface {
	RecordCompletion(workerID string, success bool, latency time.Duration)
}

// SetRateReleaser wires the admission limiter's release hook. Optional;
// a nil releaser means completions never decrement a concurrency counter.
func (q *Queue) SetRateReleaser(r RateReleaser) { q.rateRel = r }

// SetWorkerStats wires the worker registry's completion recorder.
func (q *Queue) SetWorkerStats(w WorkerStatsRecorder) { q.workerStats = w }

// SetRetryPolicy overrides the default backoff table.
func (q *Queue) SetRetryPolicy(p RetryPolicy) { q.retryPolicy = p }

// SetPublisher replaces the event sink. Used to let the dispatcher insert
// itself between the queue and the real event bus so it can observe
// completion events and cancel its own per-job timeout timers (see
// dispatcher.go's dispatcherPublisher).
func (q *Queue) SetPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	q.pub = p
}

// NewQueue constructs an empty Queue. pub may be nil (events are dropped).
func NewQueue(log *logging.Logger, pub EventPublisher, maxSize int) *Queue {
	if pub == nil {
		pub = noopPublisher{}
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{
		log:     log.With("component", "Queue"),
		pub:     pub,
		maxSize: int64(maxSize),
		buckets: map[Priority]*bucket{
			PriorityHigh:   newBucket(),
			PriorityNormal: newBucket(),
			PriorityLow:    newBucket(),
		},
		processing: map[uuid.UUID]*Job{},
		dlq:        newDLQ(),
		throughput:  newThroughputWindow(time.Second),
		avgProc:     &rollingAverage{},
		retryPolicy: DefaultRetryPolicy(),
	}
}

// Enqueue admits a job into its priority bucket, rejecting with
// capacity_exceeded once the combined bucket size has already reached maxSize
// (spec §4.2). On success it emits queue:item:added, and queue:capacity:reached
// exactly once per rising edge.
func (q *Queue) Enqueue(j *Job) error {
	if j == nil {
		return newErr(KindValidation, "nil job")
	}
	newTotal := q.totalQueued.Add(1)
	if newTotal > q.maxSize {
		q.totalQueued.Add(-1)
		return ErrCapacityExceeded(1)
	}
	b, ok := q.buckets[j.Priority]
	if !ok {
		q.totalQueued.Add(-1)
		return newErr(KindValidation, "invalid priority")
	}
	b.push(j)
	q.totalEnqueued.Add(1)
	q.pub.Publish(EventItemAdded, j.ID, "", map[string]any{"priority": string(j.Priority)})

	if newTotal >= q.maxSize {
		if q.atCapacity.CompareAndSwap(false, true) {
			q.pub.Publish(EventCapacityReached, uuid.Nil, "", map[string]any{"size": newTotal, "max": q.maxSize})
		}
	}
	return nil
}

// releaseSlot decrements the queued-size counter and resets the capacity
// edge once the queue drops back below maxSize, so the next rising edge
// re-fires the capacity:reached event (spec §8: "exactly once per rising edge").
func (q *Queue) releaseSlot() {
	if q.totalQueued.Add(-1) < q.maxSize {
		q.atCapacity.Store(false)
	}
}

// Cancel removes a still-pending job. Processing jobs cannot be cancelled
// here; they must be failed by the worker (spec §4.2, §5).
func (q *Queue) Cancel(id uuid.UUID) bool {
	for _, b := range q.buckets {
		if _, ok := b.remove(id); ok {
			q.releaseSlot()
			return true
		}
	}
	return false
}

// Status returns the job in whatever compartment currently holds it:
// a priority bucket, the processing set, or the DLQ.
func (q *Queue) Status(id uuid.UUID) (*Job, bool) {
	for _, b := range q.buckets {
		if j, ok := b.peek(id); ok {
			return j, true
		}
	}
	q.processingMu.RLock()
	if j, ok := q.processing[id]; ok {
		q.processingMu.RUnlock()
		return j, true
	}
	q.processingMu.RUnlock()
	if j, ok := q.dlq.get(id); ok {
		return j, true
	}
	return nil, false
}

// nextDue scans high -> normal -> low and returns the first job whose
// NextRetryAt is null or due (spec §4.3 step 3).
func (q *Queue) nextDue(now time.Time) (*Job, bool) {
	for _, p := range [...]Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		if j, ok := q.buckets[p].next(now); ok {
			q.releaseSlot()
			return j, true
		}
	}
	return nil, false
}

// beginProcessing moves a dequeued job into the processing set, bumping
// Attempts and timestamps under the job's own lock (spec §4.3 step 4).
func (q *Queue) beginProcessing(j *Job, workerID string) {
	now := time.Now()
	j.withLock(func() {
		j.Status = StatusProcessing
		j.Attempts++
		j.LastAttemptAt = &now
		j.OwnerWorkerID = workerID
	})
	q.processingMu.Lock()
	q.processing[j.ID] = j
	q.processingMu.Unlock()
	q.pub.Publish(EventItemProcessing, j.ID, workerID, map[string]any{"attempts": j.Attempts})
	q.pub.Publish(EventProcess, j.ID, workerID, map[string]any{})
}

// takeProcessing removes a job from the processing set, returning it if
// still present. Used by complete/fail/timeout/failover so each of them is
// idempotent against races with one another.
func (q *Queue) takeProcessing(id uuid.UUID) (*Job, bool) {
	q.processingMu.Lock()
	defer q.processingMu.Unlock()
	j, ok := q.processing[id]
	if !ok {
		return nil, false
	}
	delete(q.processing, id)
	return j, true
}

// requeue puts a job back into its original priority bucket (used by retry
// and failover-with-no-candidate paths).
func (q *Queue) requeue(j *Job) {
	newTotal := q.totalQueued.Add(1)
	q.buckets[j.Priority].push(j)
	if newTotal >= q.maxSize {
		if q.atCapacity.CompareAndSwap(false, true) {
			q.pub.Publish(EventCapacityReached, uuid.Nil, "", map[string]any{"size": newTotal, "max": q.maxSize})
		}
	}
}

// ProcessingSnapshot returns a point-in-time list of jobs currently owned by
// workers, used by the registry's failover routine.
func (q *Queue) ProcessingSnapshot() []*Job {
	q.processingMu.RLock()
	defer q.processingMu.RUnlock()
	out := make([]*Job, 0, len(q.processing))
	for _, j := range q.processing {
		out = append(out, j)
	}
	return out
}

// ProcessingCount returns the number of jobs currently processing, used by
// the dispatcher's concurrency gate.
func (q *Queue) ProcessingCount() int {
	q.processingMu.RLock()
	defer q.processingMu.RUnlock()
	return len(q.processing)
}

// MaxSize returns the configured combined-bucket capacity.
func (q *Queue) MaxSize() int64 { return q.maxSize }

// Metrics returns the point-in-time queue snapshot of spec §4.2.
func (q *Queue) Metrics() Metrics {
	return Metrics{
		HighDepth:      q.buckets[PriorityHigh].len(),
		NormalDepth:    q.buckets[PriorityNormal].len(),
		LowDepth:       q.buckets[PriorityLow].len(),
		Processing:     q.ProcessingCount(),
		DLQSize:        q.dlq.len(),
		TotalEnqueued:  q.totalEnqueued.Load(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalFailed:    q.totalFailed.Load(),
		ThroughputPerS: q.throughput.rate(),
		AvgProcessMs:   q.avgProc.average(),
	}
}

// throughputWindow tracks a trailing-window completion rate (spec §4.2:
// "current throughput (jobs/s over trailing window)").
type throughputWindow struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

func newThroughputWindow(window time.Duration) *throughputWindow {
	return &throughputWindow{window: window}
}

func (t *throughputWindow) mark() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.times = append(t.times, now)
	t.trim(now)
}

func (t *throughputWindow) rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trim(time.Now())
	if t.window <= 0 {
		return 0
	}
	return float64(len(t.times)) / t.window.Seconds()
}

func (t *throughputWindow) trim(now time.Time) {
	cut := now.Add(-t.window)
	i := 0
	for i < len(t.times) && t.times[i].Before(cut) {
		i++
	}
	t.times = t.times[i:]
}

// rollingAverage is a cumulative-mean accumulator for processing_time.
type rollingAverage struct {
	mu    sync.Mutex
	count int64
	sum   float64
}

func (r *rollingAverage) add(v time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.sum += float64(v.Milliseconds())
}

func (r *rollingAverage) average() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}
