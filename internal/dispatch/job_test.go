package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	for _, s := range []string{"high", "normal", "low"} {
		p, ok := ParsePriority(s)
		require.True(t, ok)
		assert.Equal(t, Priority(s), p)
	}
	_, ok := ParsePriority("urgent")
	assert.False(t, ok)
}

func TestNewJobClampsMaxAttempts(t *testing.T) {
	j := NewJob(PriorityHigh, Payload{TargetURL: "https://example.com"}, 0, "client-1", "/queue/enqueue")
	assert.Equal(t, 1, j.MaxAttempts)
	assert.Equal(t, StatusPending, j.Status)
	assert.NotEqual(t, j.ID.String(), "")
}

func TestJobSnapshotIsACopy(t *testing.T) {
	j := NewJob(PriorityNormal, Payload{}, 3, "client-1", "/queue/enqueue")
	snap := j.Snapshot()
	snap.Attempts = 99
	assert.Equal(t, 0, j.Attempts, "mutating a Snapshot must not affect the live Job")
}
