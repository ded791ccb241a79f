package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a capped exponential backoff with jitter, parameterized per
// external dependency.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint64
}

// DefaultPolicy suits request/response provider APIs.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     5,
	}
}

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn under the policy until it succeeds, returns a permanent error,
// exhausts its attempts, or the context expires. onRetry, when non-nil, is
// invoked before each re-attempt with the previous error.
func Do(ctx context.Context, p Policy, fn func() error, onRetry func(err error, next time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempts and context, not wall clock

	var policy backoff.BackOff = b
	if p.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, p.MaxAttempts-1)
	}
	policy = backoff.WithContext(policy, ctx)

	var notify backoff.Notify
	if onRetry != nil {
		notify = onRetry
	}
	return backoff.RetryNotify(fn, policy, notify)
}
