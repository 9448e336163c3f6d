package lock

import (
	"context"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "source:1", time.Minute, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "source:1", time.Minute, 20*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrLockContention)

	require.NoError(t, held.Release(ctx))
	again, err := locker.Acquire(ctx, "source:1", time.Minute, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLocker_ContextCancelStopsWaiting(t *testing.T) {
	locker := NewMemoryLocker()
	held, err := locker.Acquire(context.Background(), "source:1", time.Minute, 20*time.Millisecond)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = locker.Acquire(ctx, "source:1", time.Minute, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
