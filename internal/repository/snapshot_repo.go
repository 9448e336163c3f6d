package repository

import (
	"context"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// SnapshotRepository 单数据源持久化快照仓储接口
// 快照只能被持有该数据源锁的同步运行修改
type SnapshotRepository interface {
	// 部门实体
	ListDepartments(ctx context.Context, dataSourceID int64) ([]*domain.SourceDepartment, error)
	BulkCreateDepartments(ctx context.Context, dataSourceID int64, departments []*domain.SourceDepartment) error
	BulkUpdateDepartments(ctx context.Context, dataSourceID int64, departments []*domain.SourceDepartment) error
	BulkDeleteDepartments(ctx context.Context, dataSourceID int64, codes []string) error

	// 部门关系：整树删除重建，不做增量修补
	ListDepartmentRelations(ctx context.Context, dataSourceID int64) ([]domain.SourceDepartmentRelation, error)
	DeleteAllDepartmentRelations(ctx context.Context, dataSourceID int64) error
	BulkCreateDepartmentRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceDepartmentRelation) error

	// 用户实体
	ListUsers(ctx context.Context, dataSourceID int64) ([]*domain.SourceUser, error)
	BulkCreateUsers(ctx context.Context, dataSourceID int64, users []*domain.SourceUser) error
	BulkUpdateUsers(ctx context.Context, dataSourceID int64, users []*domain.SourceUser) error
	BulkDeleteUsers(ctx context.Context, dataSourceID int64, codes []string) error

	// 用户-上级关系边
	ListUserLeaderRelations(ctx context.Context, dataSourceID int64) ([]domain.SourceUserLeaderRelation, error)
	BulkCreateUserLeaderRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceUserLeaderRelation) error
	BulkDeleteUserLeaderRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceUserLeaderRelation) error

	// 部门-用户关系边
	ListDepartmentUserRelations(ctx context.Context, dataSourceID int64) ([]domain.SourceDepartmentUserRelation, error)
	BulkCreateDepartmentUserRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceDepartmentUserRelation) error
	BulkDeleteDepartmentUserRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceDepartmentUserRelation) error
}
