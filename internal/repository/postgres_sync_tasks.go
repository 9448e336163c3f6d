package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// PostgresSyncTasksRepository 同步任务Repository实现
type PostgresSyncTasksRepository struct {
	db dbtx
}

// NewPostgresSyncTasksRepository 创建同步任务Repository
func NewPostgresSyncTasksRepository(db dbtx) *PostgresSyncTasksRepository {
	return &PostgresSyncTasksRepository{db: db}
}

var _ SyncTasksRepository = (*PostgresSyncTasksRepository)(nil)

// CreateTask 创建pending状态的任务记录
func (r *PostgresSyncTasksRepository) CreateTask(ctx context.Context, task *domain.SyncTask) (int64, error) {
	if task == nil {
		return 0, fmt.Errorf("task is required")
	}
	status := task.Status
	if status == "" {
		status = domain.TaskStatusPending
	}
	startedAt := task.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	var taskID int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO sync_tasks (data_source_id, status, trigger_type, operator, overwrite, started_at, logs, has_warning)
		 VALUES ($1, $2, $3, $4, $5, $6, '', FALSE)
		 RETURNING id`,
		task.DataSourceID, status, task.Trigger, task.Operator, task.Overwrite, startedAt,
	).Scan(&taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sync task: %w", err)
	}
	return taskID, nil
}

// GetTask 查询任务
func (r *PostgresSyncTasksRepository) GetTask(ctx context.Context, taskID int64) (*domain.SyncTask, error) {
	var task domain.SyncTask
	var durationMs int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, data_source_id, status, trigger_type, operator, overwrite, started_at, duration_ms, logs, has_warning
		 FROM sync_tasks
		 WHERE id = $1`,
		taskID,
	).Scan(&task.ID, &task.DataSourceID, &task.Status, &task.Trigger, &task.Operator,
		&task.Overwrite, &task.StartedAt, &durationMs, &task.Logs, &task.HasWarning)
	if err != nil {
		return nil, err
	}
	task.Duration = time.Duration(durationMs) * time.Millisecond
	return &task, nil
}

// MarkRunning 将任务标记为running
func (r *PostgresSyncTasksRepository) MarkRunning(ctx context.Context, taskID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = $2 WHERE id = $1`,
		taskID, domain.TaskStatusRunning,
	)
	return err
}

// FinishTask 写入终态（success/failed + duration + logs + warning标志）
func (r *PostgresSyncTasksRepository) FinishTask(ctx context.Context, task *domain.SyncTask) error {
	if task == nil || task.ID == 0 {
		return fmt.Errorf("task with id is required")
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_tasks
		 SET status = $2, duration_ms = $3, logs = $4, has_warning = $5
		 WHERE id = $1`,
		task.ID, task.Status, task.Duration.Milliseconds(), task.Logs, task.HasWarning,
	)
	return err
}
