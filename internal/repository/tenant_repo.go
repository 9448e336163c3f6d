package repository

import (
	"context"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// TenantIDsRepository 租户外部标识映射仓储接口
// (tenant, source, entity_type, code) -> external_id；写一次，此后只读
type TenantIDsRepository interface {
	Get(ctx context.Context, tenantID string, dataSourceID int64, entityType, code string) (*domain.TenantIDRecord, error)
	// Create 仅在映射不存在时写入；已存在则返回已有记录（已有映射永远优先于当前策略）
	Create(ctx context.Context, record *domain.TenantIDRecord) (*domain.TenantIDRecord, error)
	// LoadAll 批量预载整个 (tenant, source, entity_type) 映射，大规模运行时避免逐条查询
	LoadAll(ctx context.Context, tenantID string, dataSourceID int64, entityType string) (map[string]string, error)
}

// ProjectionRepository 租户投影仓储接口
// 投影表只能被持有租户投影锁的运行修改，与数据源锁相互独立
type ProjectionRepository interface {
	ReplaceDepartments(ctx context.Context, tenantID string, dataSourceID int64, departments []*domain.TenantDepartment) error
	ReplaceUsers(ctx context.Context, tenantID string, dataSourceID int64, users []*domain.TenantUser) error
	ReplaceUserRelations(ctx context.Context, tenantID string, dataSourceID int64, relations []domain.TenantUserRelation) error

	ListDepartments(ctx context.Context, tenantID string, dataSourceID int64) ([]*domain.TenantDepartment, error)
	ListUsers(ctx context.Context, tenantID string, dataSourceID int64) ([]*domain.TenantUser, error)
	ListUserRelations(ctx context.Context, tenantID string, dataSourceID int64) ([]domain.TenantUserRelation, error)
}
