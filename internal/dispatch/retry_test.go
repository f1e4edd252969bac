package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayFor(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.delayFor(1))
	assert.Equal(t, 5*time.Second, p.delayFor(2))
	assert.Equal(t, 15*time.Second, p.delayFor(3))
	assert.Equal(t, 30*time.Second, p.delayFor(4), "past the table, the configurable overflow applies")
	assert.Equal(t, 30*time.Second, p.delayFor(10))
}

func TestRetryPolicyDelayForNoOverflowFallsBackToLastEntry(t *testing.T) {
	p := RetryPolicy{Delays: []time.Duration{2 * time.Second}}
	assert.Equal(t, 2*time.Second, p.delayFor(5))
}
