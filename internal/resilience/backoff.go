// Package resilience provides the retry, backoff and circuit-breaker
// primitives shared by the STT, LLM and TTS gateways.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backoff computes exponential retry delays. The zero value is not usable;
// construct with the fields set or use [DefaultBackoff].
type Backoff struct {
	// Initial is the delay before the second attempt. Doubles each attempt.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration
}

// DefaultBackoff matches the reconnect defaults used across the gateways:
// 2 s initial, 30 s cap.
var DefaultBackoff = Backoff{Initial: 2 * time.Second, Max: 30 * time.Second}

// Delay returns the wait duration before retry number attempt (1-based).
// Attempt values below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Retry runs fn up to attempts times, sleeping the backoff delay between
// failures. It returns nil on the first success, ctx.Err() when the context
// ends while waiting, and the last failure when all attempts are exhausted.
func Retry(ctx context.Context, name string, attempts int, b Backoff, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := b.Delay(attempt)
		slog.Warn("retrying after failure",
			"name", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", name, attempts, err)
}
