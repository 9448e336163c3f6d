package repository

import "context"

// TxSnapshot 实体写事务内可见的仓储集合
// 关系同步器失败时回滚到各自的保存点，保留旧边而不破坏整个运行
type TxSnapshot interface {
	SnapshotRepository

	// Savepoint 建立保存点；RollbackTo 回滚到保存点并丢弃其后的写入
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
}

// Stores 仓储工厂：聚合全部仓储，并提供实体写事务入口
// fn 返回错误时整个事务回滚；任务记录与变更记录在事务之外提交
type Stores interface {
	DataSources() DataSourcesRepository
	Tasks() SyncTasksRepository
	ChangeLogs() ChangeLogRepository
	TenantIDs() TenantIDsRepository
	Projection() ProjectionRepository
	Snapshot() SnapshotRepository

	WithinTx(ctx context.Context, fn func(tx TxSnapshot) error) error
	// WithinProjectionTx 租户投影替换事务（独立于快照事务）
	WithinProjectionTx(ctx context.Context, fn func(tx ProjectionRepository) error) error
}
