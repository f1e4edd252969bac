package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Complete marks a processing job completed (spec §4.3 complete()). It is
// only valid for a job currently in the processing set; calling it twice
// for the same job is a no-op the second time (takeProcessing already
// removed it), which is what keeps a racing complete/fail pair from
// double-transitioning the same job.
func (q *Queue) Complete(jobID uuid.UUID, result any) error {
	j, ok := q.takeProcessing(jobID)
	if !ok {
		return ErrNotFound("job")
	}

	now := time.Now()
	var latency time.Duration
	var workerID string
	j.withLock(func() {
		if j.LastAttemptAt != nil {
			latency = now.Sub(*j.LastAttemptAt)
		}
		j.Status = StatusCompleted
		j.CompletedAt = &now
		j.ProcessingTime = &latency
		j.Result = result
		j.Error = nil
		workerID = j.OwnerWorkerID
	})

	q.totalProcessed.Add(1)
	q.throughput.mark()
	q.avgProc.add(latency)

	if q.rateRel != nil {
		q.rateRel.Release(j.Identifier, j.Endpoint)
	}
	if q.workerStats != nil {
		q.workerStats.RecordCompletion(workerID, true, latency)
	}

	q.pub.Publish(EventItemCompleted, j.ID, workerID, map[string]any{
		"processing_time_ms": latency.Milliseconds(),
	})
	return nil
}

// Fail handles a worker-reported or synthesized failure (spec §4.3 fail()).
// Below max_attempts it requeues with next_retry_at computed from the
// retry policy; at/above max_attempts it is terminal and lands in the DLQ.
// The entire decision runs under the job's own lock so a racing Complete or
// a second Fail for the same job cannot both see "processing" and both
// act (spec §4.3's known caveat / §9 property #1).
func (q *Queue) Fail(jobID uuid.UUID, jobErr JobError) error {
	j, ok := q.takeProcessing(jobID)
	if !ok {
		return ErrNotFound("job")
	}

	now := time.Now()
	var (
		workerID  string
		toDLQ     bool
		toRetry   bool
		latency   time.Duration
	)
	j.withLock(func() {
		if j.LastAttemptAt != nil {
			latency = now.Sub(*j.LastAttemptAt)
		}
		workerID = j.OwnerWorkerID
		j.Error = &jobErr
		j.OwnerWorkerID = ""

		if j.Attempts < j.MaxAttempts {
			delay := q.retryPolicy.delayFor(j.Attempts)
			next := now.Add(delay)
			j.Status = StatusPending
			j.NextRetryAt = &next
			toRetry = true
		} else {
			j.Status = StatusDead
			j.CompletedAt = &now
			toDLQ = true
		}
	})

	if q.rateRel != nil {
		q.rateRel.Release(j.Identifier, j.Endpoint)
	}
	if q.workerStats != nil {
		q.workerStats.RecordCompletion(workerID, false, latency)
	}

	switch {
	case toRetry:
		q.requeue(j)
		q.pub.Publish(EventItemRetry, j.ID, workerID, map[string]any{
			"attempts": j.Attempts, "next_retry_at": *j.NextRetryAt,
		})
	case toDLQ:
		q.totalFailed.Add(1)
		q.dlq.add(j)
		q.pub.Publish(EventItemDLQ, j.ID, workerID, map[string]any{
			"attempts": j.Attempts, "reason": jobErr.Message,
		})
	}
	return nil
}

// TimeoutFail synthesizes a failure on behalf of a worker that never
// called back within processing_timeout (spec §4.3 step 5).
func (q *Queue) TimeoutFail(jobID uuid.UUID) error {
	return q.Fail(jobID, JobError{Message: "processing timeout exceeded", Code: "timeout"})
}

// DLQList returns the dead-letter contents, oldest first.
func (q *Queue) DLQList() []*Job { return q.dlq.List() }

// DLQRetry moves a dead job back to its original priority bucket with
// attempts/error reset (spec §4.5), subject to the ordinary capacity rule.
func (q *Queue) DLQRetry(jobID uuid.UUID) (bool, error) {
	j, ok := q.dlq.get(jobID)
	if !ok {
		return false, nil
	}
	newTotal := q.totalQueued.Add(1)
	if newTotal > q.maxSize {
		q.totalQueued.Add(-1)
		return false, ErrCapacityExceeded(1)
	}
	if _, removed := q.dlq.remove(jobID); !removed {
		q.totalQueued.Add(-1)
		return false, nil
	}
	j.withLock(func() {
		j.Status = StatusPending
		j.Attempts = 0
		j.Error = nil
		j.NextRetryAt = nil
	})
	q.buckets[j.Priority].push(j)
	if newTotal >= q.maxSize {
		if q.atCapacity.CompareAndSwap(false, true) {
			q.pub.Publish(EventCapacityReached, uuid.Nil, "", map[string]any{"size": newTotal, "max": q.maxSize})
		}
	}
	q.pub.Publish(EventItemAdded, j.ID, "", map[string]any{"priority": string(j.Priority), "replayed": true})
	return true, nil
}

// DLQClear empties the DLQ and returns the number of entries discarded.
func (q *Queue) DLQClear() int { return q.dlq.Clear() }
