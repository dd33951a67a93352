package quotaguard

import (
	"context"
	"fmt"
	"time"

	"github.com/nhalm/canonlog"
)

// Wrap returns fn gated by the limiter: each invocation first blocks in
// WaitUntilAllowed for one unit of the operation, then runs fn. When fn
// fails with a provider-reported quota error (per the configured
// RetryableFunc) the call is retried with exponential backoff, bounded
// by the retry policy; any other error is returned immediately and
// unmodified. fn's inputs and outputs pass through unchanged; only the
// invocation is intercepted.
//
//	search := quotaguard.Wrap(limiter, "cust-1", store.OpSearch,
//		func(ctx context.Context) (*Report, error) {
//			return client.FetchReport(ctx, q)
//		})
//	report, err := search(ctx)
//
// When retries are exhausted the last provider error is returned
// wrapped in ErrRetriesExhausted; callers should treat that as "try
// again later", not as a permanent failure.
func Wrap[T any](l *Limiter, customerID string, op Operation, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var zero T
		retry := l.cfg.Retry
		backoff := retry.InitialBackoff

		for attempt := 0; ; attempt++ {
			if err := l.WaitUntilAllowed(ctx, customerID, op, 1); err != nil {
				return zero, err
			}

			out, err := fn(ctx)
			if err == nil {
				return out, nil
			}
			if !retry.RetryableFunc(err) {
				return zero, err
			}
			if attempt >= retry.MaxRetries {
				return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
			}

			if _, ok := canonlog.TryGetLogger(ctx); ok {
				canonlog.InfoAddMany(ctx, map[string]any{
					"quotaguard_retry_attempt":    attempt + 1,
					"quotaguard_retry_backoff_ms": backoff.Milliseconds(),
				})
			}

			if err := l.sleep(ctx, backoff); err != nil {
				return zero, err
			}
			backoff = nextBackoff(backoff, retry.BackoffMultiplier, retry.MaxBackoff)
		}
	}
}

// Do is Wrap for operations with no return value.
func Do(ctx context.Context, l *Limiter, customerID string, op Operation, fn func(ctx context.Context) error) error {
	wrapped := Wrap(l, customerID, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	_, err := wrapped(ctx)
	return err
}

func nextBackoff(cur time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * multiplier)
	if next > max {
		next = max
	}
	return next
}
