package syncer

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	pkgredis "github.com/TencentBlueKing/bk-user-sub003/pkg/redis"
)

// taskEventStream 同步运行结束事件的 Streams 名
const taskEventStream = "usersync:events:task_finished"

// TaskFinishedEvent 同步运行结束事件，供进程外消费者订阅
type TaskFinishedEvent struct {
	TaskID       int64  `json:"task_id"`
	DataSourceID int64  `json:"data_source_id"`
	Status       string `json:"status"`
	HasWarning   bool   `json:"has_warning"`
	DurationMS   int64  `json:"duration_ms"`
}

// EventPublisher 运行结束事件发布接口
type EventPublisher interface {
	PublishTaskFinished(ctx context.Context, event *TaskFinishedEvent) error
}

// RedisEventPublisher 基于 Redis Streams 的事件发布器
type RedisEventPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

var _ EventPublisher = (*RedisEventPublisher)(nil)

// NewRedisEventPublisher 创建 Redis Streams 事件发布器
func NewRedisEventPublisher(client *redis.Client, logger *zap.Logger) *RedisEventPublisher {
	return &RedisEventPublisher{client: client, logger: logger}
}

// PublishTaskFinished 发布运行结束事件
func (p *RedisEventPublisher) PublishTaskFinished(ctx context.Context, event *TaskFinishedEvent) error {
	id, err := pkgredis.PublishJSONToStream(ctx, p.client, taskEventStream, event)
	if err != nil {
		return err
	}
	p.logger.Debug("task finished event published",
		zap.Int64("task_id", event.TaskID), zap.String("message_id", id))
	return nil
}

// MemoryEventPublisher 进程内事件发布器，仅做收集，测试用
type MemoryEventPublisher struct {
	mu     sync.Mutex
	events []*TaskFinishedEvent
}

var _ EventPublisher = (*MemoryEventPublisher)(nil)

func (p *MemoryEventPublisher) PublishTaskFinished(_ context.Context, event *TaskFinishedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events 返回已发布事件的副本
func (p *MemoryEventPublisher) Events() []*TaskFinishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TaskFinishedEvent, len(p.events))
	copy(out, p.events)
	return out
}
