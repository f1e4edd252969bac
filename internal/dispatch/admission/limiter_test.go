package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluxgate/dispatchcore/internal/logging"
)

func TestLimiterFailsOpenWithoutBackend(t *testing.T) {
	log, err := logging.New("dev")
	assert.NoError(t, err)

	l := NewLimiter(log, nil)
	decision := l.Admit(context.Background(), "client-1", "/queue/enqueue", TierFree)

	assert.True(t, decision.Accepted)
	assert.Equal(t, "fail_open_no_backend", decision.Reason)
}

func TestLimiterReleaseIsNoopWithoutBackend(t *testing.T) {
	log, err := logging.New("dev")
	assert.NoError(t, err)

	l := NewLimiter(log, nil)
	assert.NotPanics(t, func() { l.Release("client-1", "/queue/enqueue") })
}

func TestSetOverrideAppliesOnNextAdmit(t *testing.T) {
	log, err := logging.New("dev")
	assert.NoError(t, err)

	l := NewLimiter(log, nil)
	l.SetOverride("/auth/login", EndpointOverride{PerMinute: intPtr(1)})
	got := l.overrideFor("/auth/login")
	assert.NotNil(t, got)
	assert.Equal(t, 1, *got.PerMinute)
}

func TestRetryAfterForMatchesTheRejectingWindowsDuration(t *testing.T) {
	assert.Equal(t, 60, retryAfterFor(windowDef{name: "per_minute", kind: "window", dur: time.Minute}))
	assert.Equal(t, 3600, retryAfterFor(windowDef{name: "per_hour", kind: "window", dur: time.Hour}))
	assert.Equal(t, 1, retryAfterFor(windowDef{name: "burst", kind: "window", dur: 500 * time.Millisecond}), "sub-second windows round up to the 1s floor")
	assert.Equal(t, 1, retryAfterFor(windowDef{name: "concurrent", kind: "counter", dur: 0}), "counters have no timer duration, so they fall back to the 1s floor")
}
