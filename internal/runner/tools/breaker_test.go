package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	br := NewCircuitBreaker(5, time.Minute, 3)

	for i := 0; i < 4; i++ {
		assert.False(t, br.RecordFailure())
		assert.Equal(t, BreakerClosed, br.State())
	}
	assert.True(t, br.RecordFailure())
	assert.Equal(t, BreakerOpen, br.State())
	assert.ErrorIs(t, br.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	br := NewCircuitBreaker(5, time.Minute, 3)

	for i := 0; i < 4; i++ {
		br.RecordFailure()
	}
	br.RecordSuccess()
	for i := 0; i < 4; i++ {
		assert.False(t, br.RecordFailure())
	}
	assert.Equal(t, BreakerClosed, br.State())
	assert.True(t, br.RecordFailure())
}

func TestBreakerHalfOpenAfterResetWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	br := NewCircuitBreaker(5, time.Minute, 3)
	br.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	require.Equal(t, BreakerOpen, br.State())

	now = now.Add(30 * time.Second)
	assert.ErrorIs(t, br.Allow(), ErrCircuitOpen)

	now = now.Add(31 * time.Second)
	assert.NoError(t, br.Allow())
	assert.Equal(t, BreakerHalfOpen, br.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	br := NewCircuitBreaker(5, time.Minute, 3)
	br.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	now = now.Add(2 * time.Minute)
	require.NoError(t, br.Allow())

	assert.True(t, br.RecordFailure())
	assert.Equal(t, BreakerOpen, br.State())
	assert.ErrorIs(t, br.Allow(), ErrCircuitOpen)
}

func TestBreakerHalfOpenClosesAfterProbeSuccesses(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	br := NewCircuitBreaker(5, time.Minute, 3)
	br.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	now = now.Add(2 * time.Minute)
	require.NoError(t, br.Allow())

	assert.False(t, br.RecordSuccess())
	assert.False(t, br.RecordSuccess())
	assert.Equal(t, BreakerHalfOpen, br.State())
	assert.True(t, br.RecordSuccess())
	assert.Equal(t, BreakerClosed, br.State())
}
