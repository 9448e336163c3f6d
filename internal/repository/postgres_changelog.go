package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// PostgresChangeLogRepository 变更记录Repository实现（append-only）
type PostgresChangeLogRepository struct {
	db dbtx
}

// NewPostgresChangeLogRepository 创建变更记录Repository
func NewPostgresChangeLogRepository(db dbtx) *PostgresChangeLogRepository {
	return &PostgresChangeLogRepository{db: db}
}

var _ ChangeLogRepository = (*PostgresChangeLogRepository)(nil)

// BulkAppend 批量追加变更记录
func (r *PostgresChangeLogRepository) BulkAppend(ctx context.Context, entries []*domain.ChangeLogEntry) error {
	query := `
		INSERT INTO sync_change_logs (task_id, data_source_id, entity_type, operation, code, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`
	for _, entry := range entries {
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		detail := "{}"
		if len(entry.Detail) > 0 {
			detail = string(entry.Detail)
		}
		if _, err := r.db.ExecContext(ctx, query,
			entry.TaskID, entry.DataSourceID, entry.EntityType, entry.Operation,
			entry.Code, detail, createdAt); err != nil {
			return fmt.Errorf("failed to append change log for %s %s: %w", entry.EntityType, entry.Code, err)
		}
	}
	return nil
}

// ListByTask 按任务查询变更记录
func (r *PostgresChangeLogRepository) ListByTask(ctx context.Context, taskID int64) ([]*domain.ChangeLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, task_id, data_source_id, entity_type, operation, code, detail::text, created_at
		 FROM sync_change_logs
		 WHERE task_id = $1
		 ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*domain.ChangeLogEntry{}
	for rows.Next() {
		var entry domain.ChangeLogEntry
		var detail string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.DataSourceID, &entry.EntityType,
			&entry.Operation, &entry.Code, &detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Detail = []byte(detail)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
