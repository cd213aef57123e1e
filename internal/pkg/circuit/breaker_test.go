package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker("venue", 3, time.Minute)
	b.SetStateChangeHandler(func(string, State, State) {})

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "below threshold stays closed")
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("venue", 1, time.Minute)
	b.SetStateChangeHandler(func(string, State, State) {})
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	b.nowFn = func() time.Time { return base }

	b.RecordFailure()
	assert.False(t, b.Allow())

	b.nowFn = func() time.Time { return base.Add(2 * time.Minute) }
	assert.True(t, b.Allow(), "cool-off elapsed, one probe admitted")
	assert.Equal(t, StateHalfOpen, b.State())

	t.Run("Probe Failure Reopens", func(t *testing.T) {
		b.RecordFailure()
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("Probe Success Closes", func(t *testing.T) {
		b.nowFn = func() time.Time { return base.Add(5 * time.Minute) }
		assert.True(t, b.Allow())
		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.State())
		assert.True(t, b.Allow())
	})
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("venue", 2, time.Minute)
	b.SetStateChangeHandler(func(string, State, State) {})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures never trip")
}
