package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(threshold, 30*time.Second, time.Second, 30*time.Second)
	b.now = clock.now
	return b, clock
}

func TestBreakerThreshold(t *testing.T) {
	t.Run("OpensAtExactlyNFailures", func(t *testing.T) {
		b, _ := newTestBreaker(5)

		for i := 0; i < 4; i++ {
			b.RecordFailure()
			assert.Equal(t, Closed, b.State())
			assert.True(t, b.ShouldAllow())
		}
		b.RecordFailure()
		assert.Equal(t, Open, b.State())
		assert.False(t, b.ShouldAllow())
	})

	t.Run("SuccessResetsFailureCount", func(t *testing.T) {
		b, _ := newTestBreaker(5)

		for i := 0; i < 4; i++ {
			b.RecordFailure()
		}
		b.RecordSuccess()
		assert.Equal(t, 0, b.FailureCount())
		assert.Equal(t, Closed, b.State())

		// The counter restarted: four more failures still do not open.
		for i := 0; i < 4; i++ {
			b.RecordFailure()
		}
		assert.Equal(t, Closed, b.State())
	})

	t.Run("WindowDiscardsOldFailures", func(t *testing.T) {
		b, clock := newTestBreaker(3)

		b.RecordFailure()
		b.RecordFailure()
		clock.advance(31 * time.Second)
		b.RecordFailure()
		assert.Equal(t, Closed, b.State(), "stale failures must not count")
		assert.Equal(t, 1, b.FailureCount())
	})
}

func TestBreakerHalfOpen(t *testing.T) {
	tripBreaker := func(b *Breaker) {
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
	}

	t.Run("SingleTrialAfterCooldown", func(t *testing.T) {
		b, clock := newTestBreaker(5)
		tripBreaker(b)
		require.Equal(t, Open, b.State())

		// Before cooldown every call is denied.
		for i := 0; i < 3; i++ {
			assert.False(t, b.ShouldAllow())
		}

		clock.advance(time.Second)
		assert.True(t, b.ShouldAllow(), "first call after cooldown grants the trial")
		assert.Equal(t, HalfOpen, b.State())
		assert.False(t, b.ShouldAllow(), "only one trial in flight")
	})

	t.Run("TrialSuccessCloses", func(t *testing.T) {
		b, clock := newTestBreaker(5)
		tripBreaker(b)
		clock.advance(time.Second)
		require.True(t, b.ShouldAllow())

		b.RecordSuccess()
		assert.Equal(t, Closed, b.State())
		assert.Equal(t, 0, b.FailureCount())
	})

	t.Run("TrialFailureReopensWithLongerCooldown", func(t *testing.T) {
		b, clock := newTestBreaker(5)
		tripBreaker(b)
		clock.advance(time.Second)
		require.True(t, b.ShouldAllow())

		b.RecordFailure()
		assert.Equal(t, Open, b.State())

		// Second consecutive open doubles the cooldown.
		clock.advance(time.Second)
		assert.False(t, b.ShouldAllow())
		clock.advance(time.Second)
		assert.True(t, b.ShouldAllow())
	})
}

func TestBackoffDelay(t *testing.T) {
	b := New(5, 30*time.Second, time.Second, 30*time.Second)

	assert.Equal(t, time.Second, b.BackoffDelay(1))
	assert.Equal(t, 2*time.Second, b.BackoffDelay(2))
	assert.Equal(t, 8*time.Second, b.BackoffDelay(4))
	assert.Equal(t, 30*time.Second, b.BackoffDelay(6), "capped at max delay")
	assert.Equal(t, 30*time.Second, b.BackoffDelay(20))
	assert.Equal(t, time.Second, b.BackoffDelay(0), "attempt floors at 1")
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(5)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.FailureCount())
	assert.True(t, b.ShouldAllow())
	assert.Zero(t, b.CooldownRemaining())
}
