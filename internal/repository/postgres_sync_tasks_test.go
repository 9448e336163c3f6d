package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestPostgresSyncTasksRepository_CreateTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO sync_tasks`).
		WithArgs(int64(7), domain.TaskStatusPending, domain.TriggerManual, "admin", true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	repo := NewPostgresSyncTasksRepository(db)
	taskID, err := repo.CreateTask(context.Background(), &domain.SyncTask{
		DataSourceID: 7,
		Trigger:      domain.TriggerManual,
		Operator:     "admin",
		Overwrite:    true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), taskID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSyncTasksRepository_GetTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	startedAt := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "data_source_id", "status", "trigger_type", "operator",
		"overwrite", "started_at", "duration_ms", "logs", "has_warning",
	}).AddRow(int64(42), int64(7), domain.TaskStatusSuccess, domain.TriggerManual, "admin",
		true, startedAt, int64(1500), "done", true)
	mock.ExpectQuery(`SELECT id, data_source_id, status, trigger_type`).
		WithArgs(int64(42)).
		WillReturnRows(rows)

	repo := NewPostgresSyncTasksRepository(db)
	task, err := repo.GetTask(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusSuccess, task.Status)
	require.Equal(t, 1500*time.Millisecond, task.Duration)
	require.True(t, task.HasWarning)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSyncTasksRepository_FinishTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE sync_tasks`).
		WithArgs(int64(42), domain.TaskStatusFailed, int64(2000), "boom", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresSyncTasksRepository(db)
	err = repo.FinishTask(context.Background(), &domain.SyncTask{
		ID:       42,
		Status:   domain.TaskStatusFailed,
		Duration: 2 * time.Second,
		Logs:     "boom",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// 缺任务ID直接拒绝
	require.Error(t, repo.FinishTask(context.Background(), &domain.SyncTask{}))
}
