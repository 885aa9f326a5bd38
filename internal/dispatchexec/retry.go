package dispatchexec

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures retry backoff for a failed dispatch execution.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy mirrors the executor's historical defaults: a handful
// of attempts with capped exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// WithRetry wraps an Execute call with exponential backoff retry, retrying
// only on spawn/transport errors (a non-nil error), never on a recorded
// non-zero exit code.
func WithRetry(ctx context.Context, policy RetryPolicy, do func(context.Context) (Result, error)) (Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval

	return backoff.Retry(ctx, func() (Result, error) {
		res, err := do(ctx)
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(policy.MaxRetries)+1))
}
