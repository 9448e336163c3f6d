package repository

import (
	"context"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// DataSourcesRepository 数据源配置仓储接口
// 字段映射在保存时即被解析校验，运行期不再做松散解析
type DataSourcesRepository interface {
	GetDataSource(ctx context.Context, dataSourceID int64) (*domain.DataSource, error)
	SaveFieldMappings(ctx context.Context, dataSourceID int64, mappings []domain.FieldMapping) error
	// ListCustomFields 租户自定义字段定义（自动派生映射和查重时使用）
	ListCustomFields(ctx context.Context, tenantID string) ([]domain.CustomField, error)
}
