package repository

import (
	"context"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// ChangeLogRepository 变更记录仓储接口（append-only）
type ChangeLogRepository interface {
	BulkAppend(ctx context.Context, entries []*domain.ChangeLogEntry) error
	ListByTask(ctx context.Context, taskID int64) ([]*domain.ChangeLogEntry, error)
}
