package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

// admitScript atomically evaluates every applicable window for a request
// and, only if all pass, records the admission against each of them. Window
// kind "window" is a sliding-window sorted set (score = admission time
// in ms); kind "counter" is the live concurrency gauge incremented at
// admission and decremented on terminal state via Release.
//
// KEYS: one redis key per window, in the same order as the kind/window/limit
// triples in ARGV[2:].
// ARGV[1]: now, in milliseconds.
// ARGV[2 + 3*i], ARGV[3 + 3*i], ARGV[4 + 3*i]: kind, window_ms, limit for window i.
// On rejection returns {0, i}, the 1-based index into that same window list,
// so the Go caller can look the rejecting windowDef back up by position
// (for its name and duration) rather than re-parsing a Redis key.
const admitScript = `
local now = tonumber(ARGV[1])
local n = (#ARGV - 1) / 3
for i = 1, n do
  local kind = ARGV[2 + (i - 1) * 3]
  local windowMs = tonumber(ARGV[3 + (i - 1) * 3])
  local limit = tonumber(ARGV[4 + (i - 1) * 3])
  local key = KEYS[i]
  if kind == "window" then
    redis.call("ZREMRANGEBYSCORE", key, "-inf", now - windowMs)
    if tonumber(redis.call("ZCARD", key)) >= limit then
      return {0, i}
    end
  else
    local cur = tonumber(redis.call("GET", key) or "0")
    if cur >= limit then
      return {0, i}
    end
  end
end
for i = 1, n do
  local kind = ARGV[2 + (i - 1) * 3]
  local windowMs = tonumber(ARGV[3 + (i - 1) * 3])
  local key = KEYS[i]
  if kind == "window" then
    redis.call("ZADD", key, now, now .. "-" .. i .. "-" .. math.random(1, 1000000000))
    redis.call("PEXPIRE", key, windowMs)
  else
    redis.call("INCR", key)
    redis.call("PEXPIRE", key, 3600000)
  end
end
return {1, ""}
`

const releaseScript = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur > 0 then
  redis.call("DECR", KEYS[1])
end
return 1
`

// Decision is the result of Limiter.Admit (spec §4.1 contract).
type Decision struct {
	Accepted   bool
	Reason     string // which window rejected, e.g. "per_minute", "burst", "concurrent"
	RetryAfter int     // seconds, best-effort
}

// Limiter is the Redis-backed admission gate. A nil/unreachable rdb fails
// open: every request is admitted and a telemetry event is logged, per
// spec §4.1's failure-mode rule that the limiter never blocks the dispatch
// path.
type Limiter struct {
	log *logging.Logger
	rdb *redis.Client

	mu        sync.RWMutex
	overrides map[string]EndpointOverride
}

// NewLimiter constructs a Limiter. rdb may be nil, in which case every
// admission fails open.
func NewLimiter(log *logging.Logger, rdb *redis.Client) *Limiter {
	return &Limiter{
		log:       log.With("component", "admission.Limiter"),
		rdb:       rdb,
		overrides: DefaultEndpointOverrides(),
	}
}

// SetOverride installs or replaces an endpoint's override.
func (l *Limiter) SetOverride(endpoint string, o EndpointOverride) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[endpoint] = o
}

func (l *Limiter) overrideFor(endpoint string) *EndpointOverride {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if o, ok := l.overrides[endpoint]; ok {
		return &o
	}
	return nil
}

type windowDef struct {
	name string
	kind string // "window" | "counter"
	dur  time.Duration
	n    int
}

func windowsFor(limits Limits) []windowDef {
	defs := []windowDef{
		{"per_minute", "window", time.Minute, limits.PerMinute},
		{"per_hour", "window", time.Hour, limits.PerHour},
		{"per_day", "window", 24 * time.Hour, limits.PerDay},
		{"burst", "window", time.Second, limits.Burst},
		{"concurrent", "counter", 0, limits.Concurrent},
	}
	out := defs[:0]
	for _, d := range defs {
		if d.n > 0 {
			out = append(out, d)
		}
	}
	return out
}

func (l *Limiter) key(identifier, endpoint, window string) string {
	return fmt.Sprintf("dispatchcore:ratelimit:%s:%s:%s", identifier, endpoint, window)
}

// Admit evaluates every applicable window for (identifier, endpoint, tier)
// and, if all pass, records the admission atomically (spec §4.1). On a
// Redis error it fails open.
func (l *Limiter) Admit(ctx context.Context, identifier, endpoint string, tier Tier) Decision {
	if l.rdb == nil {
		l.log.Warn("rate limiter backend not configured, failing open", "identifier", identifier, "endpoint", endpoint)
		return Decision{Accepted: true, Reason: "fail_open_no_backend"}
	}

	limits := Resolve(DefaultTierLimits(tier), l.overrideFor(endpoint))
	windows := windowsFor(limits)
	if len(windows) == 0 {
		return Decision{Accepted: true}
	}

	keys := make([]string, len(windows))
	args := make([]interface{}, 0, 1+len(windows)*3)
	args = append(args, time.Now().UnixMilli())
	for i, w := range windows {
		keys[i] = l.key(identifier, endpoint, w.name)
		args = append(args, w.kind, w.dur.Milliseconds(), w.n)
	}

	res, err := l.rdb.Eval(ctx, admitScript, keys, args...).Result()
	if err != nil {
		l.log.Warn("rate limiter backend error, failing open", "error", err, "identifier", identifier, "endpoint", endpoint)
		return Decision{Accepted: true, Reason: "fail_open_backend_error"}
	}

	row, ok := res.([]interface{})
	if !ok || len(row) < 1 {
		l.log.Warn("rate limiter returned unexpected shape, failing open", "identifier", identifier, "endpoint", endpoint)
		return Decision{Accepted: true, Reason: "fail_open_bad_reply"}
	}
	admitted, _ := row[0].(int64)
	if admitted == 1 {
		return Decision{Accepted: true}
	}
	var reason string
	var retryAfter int
	if len(row) > 1 {
		if idx, ok := row[1].(int64); ok && idx >= 1 && int(idx) <= len(windows) {
			w := windows[idx-1]
			reason = w.name
			retryAfter = retryAfterFor(w)
		}
	}
	return Decision{Accepted: false, Reason: reason, RetryAfter: retryAfter}
}

// retryAfterFor converts the rejecting window's own duration into a
// best-effort seconds-until-retry: the window has to roll off by at least
// that much before the request could be admitted again. Counter windows
// (concurrency caps) carry no duration of their own, since they clear as
// soon as an in-flight job completes rather than on a timer, so they fall
// back to a minimal 1s hint.
func retryAfterFor(w windowDef) int {
	if w.kind != "window" || w.dur <= 0 {
		return 1
	}
	secs := int(w.dur / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Release decrements the concurrent counter for (identifier, endpoint). It
// is the dispatch.RateReleaser implementation wired into the queue so
// Complete/Fail can release the caller's concurrency slot (spec §4.1:
// "decremented on terminal state").
func (l *Limiter) Release(identifier, endpoint string) {
	if l.rdb == nil {
		return
	}
	key := l.key(identifier, endpoint, "concurrent")
	if err := l.rdb.Eval(context.Background(), releaseScript, []string{key}).Err(); err != nil {
		l.log.Warn("failed to release concurrent rate-limit counter", "error", err, "identifier", identifier, "endpoint", endpoint)
	}
}
