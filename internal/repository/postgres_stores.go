package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStores 仓储工厂实现
type PostgresStores struct {
	db *sql.DB

	dataSources *PostgresDataSourcesRepository
	tasks       *PostgresSyncTasksRepository
	changeLogs  *PostgresChangeLogRepository
	tenantIDs   *PostgresTenantIDsRepository
	projection  *PostgresProjectionRepository
	snapshot    *PostgresSnapshotRepository
}

// NewPostgresStores 创建仓储工厂
func NewPostgresStores(db *sql.DB) *PostgresStores {
	return &PostgresStores{
		db:          db,
		dataSources: NewPostgresDataSourcesRepository(db),
		tasks:       NewPostgresSyncTasksRepository(db),
		changeLogs:  NewPostgresChangeLogRepository(db),
		tenantIDs:   NewPostgresTenantIDsRepository(db),
		projection:  NewPostgresProjectionRepository(db),
		snapshot:    NewPostgresSnapshotRepository(db),
	}
}

var _ Stores = (*PostgresStores)(nil)

func (s *PostgresStores) DataSources() DataSourcesRepository { return s.dataSources }
func (s *PostgresStores) Tasks() SyncTasksRepository         { return s.tasks }
func (s *PostgresStores) ChangeLogs() ChangeLogRepository    { return s.changeLogs }
func (s *PostgresStores) TenantIDs() TenantIDsRepository     { return s.tenantIDs }
func (s *PostgresStores) Projection() ProjectionRepository   { return s.projection }
func (s *PostgresStores) Snapshot() SnapshotRepository       { return s.snapshot }

// postgresTxSnapshot 事务内快照仓储（带保存点支持）
type postgresTxSnapshot struct {
	*PostgresSnapshotRepository
	tx *sql.Tx
}

var _ TxSnapshot = (*postgresTxSnapshot)(nil)

// Savepoint 建立保存点
func (t *postgresTxSnapshot) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// RollbackTo 回滚到保存点
func (t *postgresTxSnapshot) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// WithinTx 在单个事务内执行实体写入；fn 返回错误则整体回滚
func (s *PostgresStores) WithinTx(ctx context.Context, fn func(tx TxSnapshot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	snapshot := &postgresTxSnapshot{
		PostgresSnapshotRepository: NewPostgresSnapshotRepository(tx),
		tx:                         tx,
	}
	if err := fn(snapshot); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithinProjectionTx 在单个事务内替换租户投影
func (s *PostgresStores) WithinProjectionTx(ctx context.Context, fn func(tx ProjectionRepository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(NewPostgresProjectionRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
