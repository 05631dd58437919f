package utils

import (
	"context"
	"time"
)

// Backoff describes a bounded exponential retry policy.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before attempt n+1, where n counts from 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	delay := b.BaseDelay << (n - 1)
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Retry calls fn until it succeeds, retryable(err) is false, MaxAttempts is
// reached or ctx is done. It returns the last error from fn.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if n == attempts {
			break
		}

		timer := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
