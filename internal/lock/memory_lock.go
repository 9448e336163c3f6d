package lock

import (
	"context"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// MemoryLocker 进程内锁实现，语义与Redis版一致（有界等待 + 失败快速返回）
// 用于单元测试和无Redis的本地开发
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker 创建进程内锁服务
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]bool{}}
}

var _ Locker = (*MemoryLocker)(nil)

// Acquire 有界等待获取锁
func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration, wait time.Duration) (Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		l.mu.Lock()
		if !l.held[key] {
			l.held[key] = true
			l.mu.Unlock()
			return &memoryLock{locker: l, key: key}, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, domain.ErrLockContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
}

func (l *memoryLock) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.key)
	return nil
}
