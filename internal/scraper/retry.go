package scraper

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// withRetry re-runs fn with doubling, jittered backoff until it succeeds or
// the attempt budget is spent. Errors carrying a context cancellation are
// returned at once: a cancelled batch must not sleep through its remaining
// attempts.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}

		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}

// jitter spreads a delay up to 15% either side of nominal so pool reads that
// failed together do not retry in lockstep.
func jitter(delay time.Duration) time.Duration {
	span := int64(delay) * 3 / 10
	if span <= 0 {
		return delay
	}
	return delay - time.Duration(int64(delay)*15/100) + time.Duration(rand.Int63n(span))
}
