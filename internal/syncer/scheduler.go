package syncer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull 任务队列已满，调用方应稍后重试
var ErrQueueFull = errors.New("sync task queue is full")

// Scheduler 后台同步任务工作池
// 定时/后台触发的任务入队后由固定数量的worker消费；
// 不同数据源的任务并行执行，同一数据源由数据源锁天然串行
type Scheduler struct {
	runner  *Runner
	logger  *zap.Logger
	queue   chan int64
	workers int

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler 创建工作池；workers与队列长度非法时取默认值
func NewScheduler(runner *Runner, logger *zap.Logger, workers, queueSize int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Scheduler{
		runner:  runner,
		logger:  logger,
		queue:   make(chan int64, queueSize),
		workers: workers,
	}
}

// Start 启动全部worker；ctx取消后worker处理完当前任务即退出
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx, i)
	}
	s.logger.Info("sync scheduler started", zap.Int("workers", s.workers))
}

func (s *Scheduler) work(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.runner.Run(ctx, taskID); err != nil {
				s.logger.Error("scheduled sync run failed",
					zap.Int("worker", id), zap.Int64("task_id", taskID), zap.Error(err))
			}
		}
	}
}

// Submit 任务入队，队列满时返回 ErrQueueFull 而不是阻塞调用方
func (s *Scheduler) Submit(taskID int64) error {
	select {
	case s.queue <- taskID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 关闭队列并等待全部worker退出
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}
