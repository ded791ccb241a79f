package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts uint64) Policy {
	return Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxAttempts:     attempts,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	retries := 0
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(error, time.Duration) { retries++ })
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	terminal := errors.New("terminal")
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		return Permanent(terminal)
	}, nil)
	require.ErrorIs(t, err, terminal)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		return errors.New("transient")
	}, nil)
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastPolicy(0), func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
