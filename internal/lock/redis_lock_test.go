package lock

import (
	"context"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := NewRedisLocker(client)
	locker.pollInterval = 10 * time.Millisecond
	return locker, mr
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "source:1", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, mr.Exists("usersync:lock:source:1"))

	require.NoError(t, held.Release(ctx))
	require.False(t, mr.Exists("usersync:lock:source:1"))
}

func TestRedisLocker_ContentionTimesOut(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "source:1", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = locker.Acquire(ctx, "source:1", time.Minute, 50*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrLockContention)
}

func TestRedisLocker_DifferentKeysDoNotContend(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "source:1", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	defer first.Release(ctx)

	// 另一个数据源与租户键空间都不受影响
	second, err := locker.Acquire(ctx, "source:2", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	defer second.Release(ctx)
	third, err := locker.Acquire(ctx, "tenant:a", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	defer third.Release(ctx)
}

func TestRedisLocker_WaiterGetsLockAfterRelease(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "source:1", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		held.Release(context.Background())
	}()

	// 有界等待窗口内锁被释放，等待方应当拿到
	second, err := locker.Acquire(ctx, "source:1", time.Minute, 500*time.Millisecond)
	require.NoError(t, err)
	second.Release(ctx)
}

func TestRedisLocker_ReleaseOnlyOwnToken(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "source:1", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)

	// 模拟锁过期后被他人持有
	mr.Set("usersync:lock:source:1", "someone-else")
	require.NoError(t, held.Release(ctx))
	require.True(t, mr.Exists("usersync:lock:source:1"))
}

func TestRedisLocker_TTLExpiryFreesCrashedHolder(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "source:1", 100*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)

	// 持有者崩溃不释放，TTL过期兜底
	mr.FastForward(150 * time.Millisecond)
	held, err := locker.Acquire(ctx, "source:1", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	held.Release(ctx)
}
