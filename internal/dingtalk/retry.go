package dingtalk

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
)

// RetryPolicy retries transient DingTalk API failures with exponential
// backoff. Only 401, 429 and 5xx responses are retried; everything else
// fails on the first attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, BaseDelay: defaultBaseDelay}
}

// IsRetryable reports whether err is a transient API error.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// Do runs op up to MaxRetries times. The error returned is the last error
// from op, unwrapped.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	maxRetries := p.MaxRetries
	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	attempts := backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(maxRetries-1))

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, attempts)
}
