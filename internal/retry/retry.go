// Package retry provides bounded exponential backoff with jitter for the
// pipeline's transient-failure paths (public data fetch, generation calls).
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before the given attempt (1-based), capped at max.
// Half of the window is fixed, the other half is random jitter.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// Do runs fn up to attempts times, sleeping Delay between failures.
// It returns nil on the first success, the last error on exhaustion, and the
// context error if ctx is cancelled while waiting.
func Do(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Delay(base, max, attempt)):
		}
	}
	return err
}
