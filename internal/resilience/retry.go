package resilience

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of infrastructure-class failures at a call
// site. Delay doubles each attempt up to MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	sleep func(ctx context.Context, d time.Duration) error // for testing
}

// DefaultRetryPolicy suits transient model-provider and container-start
// failures: three attempts, 500ms base, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Retry runs fn up to MaxAttempts times, backing off between attempts.
// retryable reports whether an error is worth another attempt; a
// non-retryable error returns immediately. The last error is returned when
// attempts are exhausted. Context cancellation aborts the wait.
func (p RetryPolicy) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			return err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
