package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// PostgresDataSourcesRepository 数据源配置Repository实现
type PostgresDataSourcesRepository struct {
	db dbtx
}

// NewPostgresDataSourcesRepository 创建数据源Repository
func NewPostgresDataSourcesRepository(db dbtx) *PostgresDataSourcesRepository {
	return &PostgresDataSourcesRepository{db: db}
}

var _ DataSourcesRepository = (*PostgresDataSourcesRepository)(nil)

// GetDataSource 查询数据源配置
func (r *PostgresDataSourcesRepository) GetDataSource(ctx context.Context, dataSourceID int64) (*domain.DataSource, error) {
	var ds domain.DataSource
	var pluginConfig, fieldMappings sql.NullString
	var idDomain sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, plugin_type, plugin_config::text, field_mappings::text,
		        skip_ratio_threshold, default_country_code, id_strategy, id_domain
		 FROM data_sources
		 WHERE id = $1`,
		dataSourceID,
	).Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.PluginType, &pluginConfig, &fieldMappings,
		&ds.SkipRatioThreshold, &ds.DefaultCountryCode, &ds.IDStrategy, &idDomain)
	if err != nil {
		return nil, err
	}

	if pluginConfig.Valid {
		ds.PluginConfig = json.RawMessage(pluginConfig.String)
	}
	if fieldMappings.Valid && fieldMappings.String != "" {
		if err := json.Unmarshal([]byte(fieldMappings.String), &ds.FieldMappings); err != nil {
			return nil, fmt.Errorf("invalid field mappings for data source %d: %w", dataSourceID, err)
		}
	}
	if idDomain.Valid {
		ds.IDDomain = idDomain.String
	}
	return &ds, nil
}

// SaveFieldMappings 保存字段映射（保存时即完成解析校验）
func (r *PostgresDataSourcesRepository) SaveFieldMappings(ctx context.Context, dataSourceID int64, mappings []domain.FieldMapping) error {
	raw, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("failed to marshal field mappings: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE data_sources SET field_mappings = $2::jsonb WHERE id = $1`,
		dataSourceID, string(raw),
	)
	return err
}

// ListCustomFields 列出租户自定义字段定义
func (r *PostgresDataSourcesRepository) ListCustomFields(ctx context.Context, tenantID string) ([]domain.CustomField, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, name, display_name, required, is_unique, default_value::text
		 FROM tenant_custom_fields
		 WHERE tenant_id = $1
		 ORDER BY name`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := []domain.CustomField{}
	for rows.Next() {
		var field domain.CustomField
		var defaultValue sql.NullString
		if err := rows.Scan(&field.TenantID, &field.Name, &field.DisplayName,
			&field.Required, &field.Unique, &defaultValue); err != nil {
			return nil, err
		}
		if defaultValue.Valid {
			field.Default = json.RawMessage(defaultValue.String)
		}
		fields = append(fields, field)
	}
	return fields, rows.Err()
}
