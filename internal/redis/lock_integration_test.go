//go:build integration

package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/patient-flow-orchestrator/internal/testutil/containers"
)

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	client := containers.NewRedis(t)
	locker := NewRedisLocker(client, "test", time.Second)

	err := locker.WithLock(ctx, "pair", func(ctx context.Context) error {
		inner := locker.WithLock(ctx, "pair", func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)

		other := locker.WithLock(ctx, "other", func(context.Context) error { return nil })
		assert.NoError(t, other)
		return nil
	})
	require.NoError(t, err)

	exists, err := client.Exists(ctx, "lock:test:pair").Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "released after fn returns")
}

func TestClaimOnce(t *testing.T) {
	ctx := context.Background()
	client := containers.NewRedis(t)

	ok, err := ClaimOnce(ctx, client, "replay:k1|A1", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ClaimOnce(ctx, client, "replay:k1|A1", 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := ClaimOnce(ctx, client, "replay:k1|A1", 300*time.Millisecond)
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)
}
