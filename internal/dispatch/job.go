// Package dispatch implements the dispatch core: a bounded, multi-priority
// work queue with retry/backoff/dead-letter semantics, a dispatcher loop
// that hands jobs to registered workers, and the supporting event plumbing.
//
// Pipelines outside this package never touch a Job's fields directly except
// through Queue/Dispatcher methods; every status transition is serialized
// under the job's own mutex so a racing complete/fail pair can't double
// file into both a retry and the DLQ.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority is one of the three FIFO buckets a Job can occupy.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority validates a priority string from an external caller (§6:
// "Priority accepts exactly high|normal|low; any other string is 400").
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), true
	default:
		return "", false
	}
}

// Status is a Job's lifecycle state. Transitions follow the table in spec
// §4.2: pending -> processing -> (completed | pending-after-retry | dead).
// completed and dead are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// JobError is the structured error attached to a failed/dead Job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// Payload carries the recognized request fields a client admits (§3).
// Metadata is intentionally untyped; the core never interprets it.
type Payload struct {
	TargetURL   string            `json:"target_url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	AddonID     string            `json:"addon_id,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Tool        string            `json:"tool,omitempty"`
}

// Job is the unit of work (spec §3's QueueItem). Every field that is
// mutated after admission is guarded by mu; callers that need a point-in-
// time copy should use Snapshot.
type Job struct {
	mu sync.Mutex

	ID       uuid.UUID
	Priority Priority
	Payload  Payload

	// Identifier/Endpoint identify the admission-time caller so completion
	// can release that caller's concurrent rate-limit counter (§4.1); not
	// part of the source's QueueItem fields but required to close the loop
	// between admission and completion without the queue reaching back into
	// the limiter's internal keying.
	Identifier string
	Endpoint   string

	Status      Status
	Attempts    int
	MaxAttempts int
	Reroutes    int // §9 open question: reroutes are tracked separately from Attempts

	CreatedAt      time.Time
	LastAttemptAt  *time.Time
	CompletedAt    *time.Time
	NextRetryAt    *time.Time
	ProcessingTime *time.Duration

	Error  *JobError
	Result any

	OwnerWorkerID string // worker currently holding the job, empty if not processing
}

// NewJob constructs a pending Job ready for admission. maxAttempts counts
// total attempts including the first try (invariant: attempts <= maxAttempts+1).
func NewJob(priority Priority, payload Payload, maxAttempts int, identifier, endpoint string) *Job {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Job{
		ID:          uuid.New(),
		Priority:    priority,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
		Identifier:  identifier,
		Endpoint:    endpoint,
	}
}

// Snapshot is an immutable, JSON-friendly copy of a Job's externally visible
// state, safe to hand to HTTP handlers or event payloads without leaking the
// mutex or letting callers mutate live state.
type Snapshot struct {
	ID             uuid.UUID     `json:"id"`
	Priority       Priority      `json:"priority"`
	Status         Status        `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	Reroutes       int           `json:"reroutes"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAttemptAt  *time.Time    `json:"last_attempt_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	ProcessingTime *int64        `json:"processing_time_ms,omitempty"`
	Error          *JobError     `json:"error,omitempty"`
	Result         any           `json:"result,omitempty"`
	OwnerWorkerID  string        `json:"worker_id,omitempty"`
	Payload        Payload       `json:"payload"`
	Identifier     string        `json:"identifier,omitempty"`
	Endpoint       string        `json:"endpoint,omitempty"`
}

// Snapshot copies the Job's current state under lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	var procMs *int64
	if j.ProcessingTime != nil {
		ms := j.ProcessingTime.Milliseconds()
		procMs = &ms
	}
	return Snapshot{
		ID:             j.ID,
		Priority:       j.Priority,
		Status:         j.Status,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		Reroutes:       j.Reroutes,
		CreatedAt:      j.CreatedAt,
		LastAttemptAt:  j.LastAttemptAt,
		CompletedAt:    j.CompletedAt,
		NextRetryAt:    j.NextRetryAt,
		ProcessingTime: procMs,
		Error:          j.Error,
		Result:         j.Result,
		OwnerWorkerID:  j.OwnerWorkerID,
		Payload:        j.Payload,
		Identifier:     j.Identifier,
		Endpoint:       j.Endpoint,
	}
}

// withLock runs fn with the job's transition lock held. Every mutation that
// crosses a status boundary must go through this so a racing complete/fail
// pair serializes instead of racing into a double DLQ insert (spec §4.3
// caveat, §9 open question).
func (j *Job) withLock(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn()
}
