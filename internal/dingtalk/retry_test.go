package dingtalk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryNonRetryableFailsFast(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	apiErr := &APIError{StatusCode: 400, Message: "bad request"}

	err := policy.Do(context.Background(), func() error {
		calls++
		return apiErr
	})
	require.ErrorIs(t, err, apiErr)
	require.Equal(t, 1, calls)
}

func TestRetryTransientThenSuccess(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0

	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &APIError{StatusCode: 429}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}
	calls := 0
	last := &APIError{StatusCode: 500, Message: "second"}

	err := policy.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &APIError{StatusCode: 500, Message: "first"}
		}
		return last
	})
	require.ErrorIs(t, err, last)
	require.Equal(t, 2, calls)
}

func TestRetryPlainErrorNotRetried(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	boom := errors.New("network down")

	err := policy.Do(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, IsRetryable(&APIError{StatusCode: 401}))
	require.True(t, IsRetryable(&APIError{StatusCode: 429}))
	require.True(t, IsRetryable(&APIError{StatusCode: 502}))
	require.False(t, IsRetryable(&APIError{StatusCode: 404}))
	require.False(t, IsRetryable(errors.New("plain")))
}
