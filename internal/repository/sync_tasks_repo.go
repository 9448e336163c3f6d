package repository

import (
	"context"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// SyncTasksRepository 同步任务仓储接口
// 任务状态写入始终在实体写事务之外提交，保证失败可观察
type SyncTasksRepository interface {
	CreateTask(ctx context.Context, task *domain.SyncTask) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*domain.SyncTask, error)
	MarkRunning(ctx context.Context, taskID int64) error
	// FinishTask 终态写入：status/duration/logs/has_warning
	FinishTask(ctx context.Context, task *domain.SyncTask) error
}
