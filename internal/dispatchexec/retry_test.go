package dispatchexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithRetrySucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	calls := 0
	res, err := WithRetry(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) (Result, error) {
		calls++
		return Result{ExitCode: 0}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, 1, calls)
}

func TestWithRetryRetriesOnTransportError(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	calls := 0
	_, err := WithRetry(context.Background(), policy, func(ctx context.Context) (Result, error) {
		calls++
		return Result{}, errors.New("spawn failed")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetryStopsRetryingAfterEventualSuccess(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	calls := 0
	res, err := WithRetry(context.Background(), policy, func(ctx context.Context) (Result, error) {
		calls++
		if calls < 2 {
			return Result{}, errors.New("transient")
		}
		return Result{ExitCode: 0}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, 2, calls)
}
