package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, base, max time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker(threshold, base, max, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 8*time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, BreakerClosed, b.State())
		assert.True(t, b.Allow())
	}

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 8*time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	// Only two consecutive failures since the success, still closed.
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second, 8*time.Minute)

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow(), "first caller after cool-down is the probe")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "second caller must wait for the probe outcome")

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second, 60*time.Second)

	b.RecordFailure()
	*now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	// Cool-down doubled to 60s: 31s later is still open.
	*now = now.Add(31 * time.Second)
	assert.False(t, b.Allow())
	*now = now.Add(30 * time.Second)
	assert.True(t, b.Allow())

	// Another failed probe hits the cap, not 120s.
	b.RecordFailure()
	*now = now.Add(61 * time.Second)
	assert.True(t, b.Allow())

	// Recovery restores the base cool-down for the next incident.
	b.RecordSuccess()
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var seen []BreakerState
	b := NewCircuitBreaker(1, 30*time.Second, time.Minute, func(s BreakerState) {
		seen = append(seen, s)
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(time.Minute)
	b.Allow()
	b.RecordSuccess()

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, seen)
}
