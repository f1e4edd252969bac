package dispatch

import "time"

// RetryPolicy maps a job's 1-indexed attempt count to the delay before its
// next attempt (spec §4.3 fail() path). The source indexes retry_delays by
// attempts-1 and is ambiguous about what happens once that index runs past
// the table; see DESIGN.md for the resolution (configurable Overflow
// instead of silently repeating the last entry).
type RetryPolicy struct {
	Delays   []time.Duration
	Overflow time.Duration
}

// DefaultRetryPolicy matches spec §4.3's default table [1s, 5s, 15s], with
// the Open-Questions-mandated 30s overflow once the table is exhausted.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:   []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second},
		Overflow: 30 * time.Second,
	}
}

// delayFor returns the backoff to apply before the attempts-th retry.
// attempts is the Job.Attempts value at the moment of failure (i.e. the
// attempt that just failed), so the table is indexed by attempts-1.
func (p RetryPolicy) delayFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx < len(p.Delays) {
		return p.Delays[idx]
	}
	if p.Overflow > 0 {
		return p.Overflow
	}
	if len(p.Delays) > 0 {
		return p.Delays[len(p.Delays)-1]
	}
	return 30 * time.Second
}
