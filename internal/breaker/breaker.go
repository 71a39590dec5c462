package breaker

import (
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	// Closed is the normal state, attempts flow through.
	Closed State = iota
	// Open blocks attempts until the cooldown elapses.
	Open
	// HalfOpen permits exactly one trial attempt.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is a failure-accumulating circuit breaker gating retry
// attempts. The same state machine guards client reconnects and
// server-side store operations; only the triggering operation differs.
//
// Closed moves to Open after threshold failures inside the rolling
// window. Open moves to HalfOpen once the cooldown elapses, as a side
// effect of ShouldAllow. HalfOpen grants a single trial: success closes
// the breaker, one failure reopens it with a longer cooldown.
type Breaker struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration

	state         State
	failures      []time.Time
	openedAt      time.Time
	openCount     int
	cooldown      time.Duration
	trialInFlight bool

	now func() time.Time
}

// New creates a breaker in the Closed state. threshold is the number of
// failures within window that opens it; the open cooldown grows as
// baseDelay * 2^(n-1) for the n-th consecutive open, capped at maxDelay.
func New(threshold int, window, baseDelay, maxDelay time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		now:       time.Now,
	}
}

// ShouldAllow reports whether an attempt may proceed. In Open it returns
// true only once the cooldown has elapsed, which itself moves the
// breaker to HalfOpen and consumes the single trial slot. Further calls
// while the trial is in flight return false.
func (b *Breaker) ShouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.trialInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess resolves an attempt as successful. In HalfOpen this
// closes the breaker and clears all failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = nil
	b.openCount = 0
	b.trialInFlight = false
}

// RecordFailure resolves an attempt as failed. In Closed it counts the
// failure against the rolling window and opens the breaker at the
// threshold. A single HalfOpen failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case HalfOpen:
		b.open(now)
	case Closed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.threshold {
			b.open(now)
		}
	case Open:
		// Failures while already open do not extend the cooldown.
	}
}

// open transitions to Open and recomputes the cooldown for this
// consecutive open. Callers hold the lock.
func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.openCount++
	b.cooldown = b.BackoffDelay(b.openCount)
	b.failures = nil
	b.trialInFlight = false
}

// pruneLocked drops failures older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// BackoffDelay returns the cooldown for the given attempt number:
// baseDelay * 2^(attempt-1), capped at maxDelay.
func (b *Breaker) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.maxDelay {
			return b.maxDelay
		}
	}
	if delay > b.maxDelay {
		return b.maxDelay
	}
	return delay
}

// CooldownRemaining returns how long until an Open breaker permits a
// trial, or zero in other states.
func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the number of failures inside the rolling window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}

// Reset forces the breaker to Closed and clears all counters. Used when
// a user explicitly creates a brand-new session: no inherited history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = nil
	b.openCount = 0
	b.cooldown = 0
	b.trialInFlight = false
}
