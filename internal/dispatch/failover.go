package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// FailoverReassign hands a still-processing job to a new owner. A re-route
// counts as a fresh attempt for observability (spec §4.4 example 5:
// "attempts==2, original plus re-route counted as fresh attempt") but never
// triggers the max_attempts/DLQ check itself — that check only runs inside
// Fail, which a reassign never calls. Reroutes is tracked separately so
// operators can tell a retried failure from a failed-over one.
func (q *Queue) FailoverReassign(jobID uuid.UUID, newWorkerID string) bool {
	q.processingMu.RLock()
	j, ok := q.processing[jobID]
	q.processingMu.RUnlock()
	if !ok {
		return false
	}
	now := time.Now()
	j.withLock(func() {
		j.OwnerWorkerID = newWorkerID
		j.Reroutes++
		j.Attempts++
		j.LastAttemptAt = &now
	})
	q.pub.Publish(EventItemProcessing, j.ID, newWorkerID, map[string]any{"reroute": true})
	return true
}

// FailoverRequeue returns a processing job to its priority bucket with
// next_retry_at=now when no failover candidate exists (spec §4.4). Like
// FailoverReassign, the re-route is a fresh attempt but is exempt from the
// max_attempts/DLQ decision, which only Fail evaluates.
func (q *Queue) FailoverRequeue(jobID uuid.UUID) bool {
	j, ok := q.takeProcessing(jobID)
	if !ok {
		return false
	}
	now := time.Now()
	j.withLock(func() {
		j.Status = StatusPending
		j.OwnerWorkerID = ""
		j.NextRetryAt = &now
		j.Reroutes++
		j.Attempts++
		j.LastAttemptAt = &now
	})
	q.requeue(j)
	q.pub.Publish(EventItemRetry, j.ID, "", map[string]any{"reroute": true})
	return true
}
