package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// its cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed is the normal state; calls pass through.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerHalfOpen admits a single probe call after the cooldown. Success
	// closes the breaker; failure re-opens it.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a three-state circuit breaker. It trips after a run of
// consecutive failures, rejects calls for a cooldown period, then admits one
// probe call to decide whether to close again.
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a breaker that opens after trip consecutive failures and
// stays open for cooldown. Non-positive values get defaults (5 failures,
// 30 s cooldown). name appears in log messages.
func NewBreaker(name string, trip int, cooldown time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, trip: trip, cooldown: cooldown}
}

// Do runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed, transitioning open → half-open
// when the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		slog.Info("breaker half-open, admitting probe", "name", b.name)
		return nil
	default: // BreakerHalfOpen
		if b.probing {
			// A probe is already in flight.
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// record applies the call outcome to the breaker state.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if err != nil {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			slog.Warn("breaker re-opened after failed probe", "name", b.name)
			return
		}
		b.state = BreakerClosed
		b.failures = 0
		slog.Info("breaker closed after successful probe", "name", b.name)
		return
	}

	if err != nil {
		b.failures++
		if b.failures >= b.trip {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			slog.Warn("breaker opened",
				"name", b.name,
				"consecutive_failures", b.failures,
			)
		}
		return
	}
	b.failures = 0
}

// State returns the current breaker state. An open breaker whose cooldown has
// elapsed reports [BreakerHalfOpen]; the transition itself happens on the
// next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}
