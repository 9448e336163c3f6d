package lock

import (
	"context"
	"time"
)

// Lock 已持有的锁句柄
type Lock interface {
	// Release 释放锁；只有持有者能释放（幂等）
	Release(ctx context.Context) error
}

// Locker 互斥锁服务接口
// 同步运行入口用 source:<id> 键，租户投影用 tenant:<id> 键，两套键空间互不影响
type Locker interface {
	// Acquire 带超时的有界等待获取；等待超时返回 domain.ErrLockContention
	// ttl 为锁自动过期时间，持有者异常退出后由过期兜底释放
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error)
}
