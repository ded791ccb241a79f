package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"didvault/pkg/platform/sentinel"
)

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire and release", func(t *testing.T) {
		lease := NewMemoryLease()

		grant, err := lease.Acquire(ctx, "alice")
		require.NoError(t, err)

		_, err = lease.Acquire(ctx, "alice")
		require.ErrorIs(t, err, sentinel.ErrRunInProgress)

		grant.Release()
		grant2, err := lease.Acquire(ctx, "alice")
		require.NoError(t, err)
		grant2.Release()
	})

	t.Run("users do not block each other", func(t *testing.T) {
		lease := NewMemoryLease()

		grantA, err := lease.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer grantA.Release()

		grantB, err := lease.Acquire(ctx, "bob")
		require.NoError(t, err)
		grantB.Release()
	})

	t.Run("release is idempotent", func(t *testing.T) {
		lease := NewMemoryLease()

		grant, err := lease.Acquire(ctx, "alice")
		require.NoError(t, err)
		grant.Release()
		grant.Release()

		_, err = lease.Acquire(ctx, "alice")
		require.NoError(t, err)
	})

	t.Run("extend never fails", func(t *testing.T) {
		lease := NewMemoryLease()

		grant, err := lease.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer grant.Release()

		require.NoError(t, grant.Extend(ctx))
		require.NoError(t, grant.Extend(ctx))
	})
}
