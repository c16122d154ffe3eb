package service

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the retries of an optimistic update that lost its
// compare-and-swap. The delay doubles after every attempt.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, BaseDelay: time.Millisecond}
}

// withRetry runs fn until it succeeds, fails with anything other than
// ErrConcurrencyConflict, or runs out of attempts.
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = time.Millisecond
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if attempt >= attempts {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
