package executor

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lexicraft/lexicraft-backend/internal/pkg/httpx"
)

// RetryPolicy bounds the per-item retry loop. Delay before retry n is
// min(Base*2^n, Cap) scaled by a random factor in [0.5, 1.0].
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	// Retryable decides whether an error is worth another attempt. When nil,
	// httpx.IsRetryableError is used.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: 3 * time.Second, Cap: 30 * time.Second}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return httpx.IsRetryableError(err)
}

// Retry runs fn until it succeeds, exhausts MaxRetries, hits a non-retryable
// error, or ctx is cancelled.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == policy.MaxRetries || !policy.retryable(err) {
			break
		}
		delay := httpx.BackoffDelay(attempt, policy.Base, policy.Cap)
		// A server-supplied Retry-After wins over the computed backoff when it
		// asks for a longer wait.
		if hint := httpx.RetryAfterFromError(err, policy.Cap); hint > delay {
			delay = hint
		}
		if err := httpx.SleepContext(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Result holds the outcome for one work item, at the item's input position.
type Result[T any] struct {
	Value T
	Err   error
}

// Map runs fn over items with at most limit in flight, each item wrapped in
// the retry policy. Results preserve input order and individual failures do
// not short-circuit the batch. Cancelling ctx abandons pending and in-flight
// items; their results carry ctx.Err().
func Map[In, Out any](ctx context.Context, limit int, policy RetryPolicy, items []In, fn func(ctx context.Context, index int, item In) (Out, error)) []Result[Out] {
	if limit < 1 {
		limit = 1
	}
	results := make([]Result[Out], len(items))
	sem := semaphore.NewWeighted(int64(limit))

	done := make(chan int, len(items))
	for i := range items {
		i := i
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result[Out]{Err: err}
			done <- i
			continue
		}
		go func() {
			defer sem.Release(1)
			out, err := Retry(ctx, policy, func(ctx context.Context) (Out, error) {
				return fn(ctx, i, items[i])
			})
			results[i] = Result[Out]{Value: out, Err: err}
			done <- i
		}()
	}
	for range items {
		<-done
	}
	return results
}
