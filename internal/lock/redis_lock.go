package lock

import (
	"context"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockKeyPrefix = "usersync:lock:"

// 只有token匹配时才删除，避免释放他人持有的锁
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLocker Redis分布式锁实现（SET NX PX + token校验释放）
type RedisLocker struct {
	client *redis.Client
	// 等待期间的轮询间隔
	pollInterval time.Duration
}

// NewRedisLocker 创建Redis锁服务
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:       client,
		pollInterval: 200 * time.Millisecond,
	}
}

var _ Locker = (*RedisLocker)(nil)

// Acquire 有界等待获取锁；超时返回 domain.ErrLockContention
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error) {
	token := uuid.NewString()
	fullKey := lockKeyPrefix + key
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &redisLock{client: l.client, key: fullKey, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.ErrLockContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
