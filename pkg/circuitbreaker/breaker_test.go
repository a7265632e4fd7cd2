package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(enabled bool) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("chain", enabled, 3, time.Minute, 5*time.Minute, nil)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("trips at threshold", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		assert.False(t, cb.RecordFailure())
		assert.False(t, cb.RecordFailure())
		assert.True(t, cb.RecordFailure())
		assert.True(t, cb.IsOpen())
		assert.True(t, cb.GetState().Open)
		assert.Equal(t, 3, cb.GetState().FailureCount)
	})

	t.Run("failures outside the window do not accumulate", func(t *testing.T) {
		cb, now := newTestBreaker(true)
		cb.RecordFailure()
		cb.RecordFailure()
		*now = now.Add(2 * time.Minute)
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, 1, cb.GetState().FailureCount)
	})

	t.Run("closes after reset timeout", func(t *testing.T) {
		cb, now := newTestBreaker(true)
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		*now = now.Add(4 * time.Minute)
		assert.True(t, cb.IsOpen())
		*now = now.Add(2 * time.Minute)
		assert.False(t, cb.IsOpen())
		assert.Equal(t, 0, cb.GetState().FailureCount)
	})

	t.Run("success clears count", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		assert.False(t, cb.RecordFailure())
	})

	t.Run("manual reset", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		cb.Reset()
		assert.False(t, cb.IsOpen())
	})

	t.Run("disabled never opens", func(t *testing.T) {
		cb, _ := newTestBreaker(false)
		for i := 0; i < 10; i++ {
			assert.False(t, cb.RecordFailure())
		}
		assert.False(t, cb.IsOpen())
		assert.False(t, cb.IsEnabled())
	})
}
