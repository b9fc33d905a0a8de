package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy configures a bounded retry loop with exponential backoff and jitter.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// JitterFraction spreads each wait by ±fraction (0.25 = ±25%).
	JitterFraction float64
}

// DefaultPolicy returns the startup-connection policy: 3 attempts, 1s/2s/4s, ±25%.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		BaseDelay:      time.Second,
		MaxDelay:       4 * time.Second,
		JitterFraction: 0.25,
	}
}

// LockPolicy returns a short policy for contended per-cart locks.
func LockPolicy() Policy {
	return Policy{
		Attempts:       8,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       250 * time.Millisecond,
		JitterFraction: 0.5,
	}
}

// Backoff returns the wait before attempt+1 (attempt is 0-indexed).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	base := p.BaseDelay << attempt
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	if p.JitterFraction <= 0 {
		return base
	}
	jitter := time.Duration(float64(base) * p.JitterFraction * (2*rand.Float64() - 1)) // #nosec G404 -- non-cryptographic jitter for retry backoff
	return base + jitter
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. A nil retryable treats every error as retryable.
// The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled after %d attempts: %w", attempt+1, ctx.Err())
		case <-time.After(p.Backoff(attempt)):
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
