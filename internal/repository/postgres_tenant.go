package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// PostgresTenantIDsRepository 租户外部标识映射Repository实现
type PostgresTenantIDsRepository struct {
	db dbtx
}

// NewPostgresTenantIDsRepository 创建租户标识Repository
func NewPostgresTenantIDsRepository(db dbtx) *PostgresTenantIDsRepository {
	return &PostgresTenantIDsRepository{db: db}
}

var _ TenantIDsRepository = (*PostgresTenantIDsRepository)(nil)

// Get 点查单条映射
func (r *PostgresTenantIDsRepository) Get(ctx context.Context, tenantID string, dataSourceID int64, entityType, code string) (*domain.TenantIDRecord, error) {
	var record domain.TenantIDRecord
	err := r.db.QueryRowContext(ctx,
		`SELECT tenant_id, data_source_id, entity_type, code, external_id
		 FROM tenant_entity_ids
		 WHERE tenant_id = $1 AND data_source_id = $2 AND entity_type = $3 AND code = $4`,
		tenantID, dataSourceID, entityType, code,
	).Scan(&record.TenantID, &record.DataSourceID, &record.EntityType, &record.Code, &record.ExternalID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Create 写入新映射；已存在时返回已有记录（已有映射永远优先）
func (r *PostgresTenantIDsRepository) Create(ctx context.Context, record *domain.TenantIDRecord) (*domain.TenantIDRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("record is required")
	}
	// ON CONFLICT DO NOTHING + 回读，保证并发下也不会覆盖已有映射
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenant_entity_ids (tenant_id, data_source_id, entity_type, code, external_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, data_source_id, entity_type, code) DO NOTHING`,
		record.TenantID, record.DataSourceID, record.EntityType, record.Code, record.ExternalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert tenant entity id: %w", err)
	}
	return r.Get(ctx, record.TenantID, record.DataSourceID, record.EntityType, record.Code)
}

// LoadAll 批量预载 (tenant, source, entity_type) 全量映射
func (r *PostgresTenantIDsRepository) LoadAll(ctx context.Context, tenantID string, dataSourceID int64, entityType string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT code, external_id
		 FROM tenant_entity_ids
		 WHERE tenant_id = $1 AND data_source_id = $2 AND entity_type = $3`,
		tenantID, dataSourceID, entityType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mapping := map[string]string{}
	for rows.Next() {
		var code, externalID string
		if err := rows.Scan(&code, &externalID); err != nil {
			return nil, err
		}
		mapping[code] = externalID
	}
	return mapping, rows.Err()
}

// PostgresProjectionRepository 租户投影Repository实现
type PostgresProjectionRepository struct {
	db dbtx
}

// NewPostgresProjectionRepository 创建租户投影Repository
func NewPostgresProjectionRepository(db dbtx) *PostgresProjectionRepository {
	return &PostgresProjectionRepository{db: db}
}

var _ ProjectionRepository = (*PostgresProjectionRepository)(nil)

// ReplaceDepartments 整体替换租户部门投影
func (r *PostgresProjectionRepository) ReplaceDepartments(ctx context.Context, tenantID string, dataSourceID int64, departments []*domain.TenantDepartment) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM tenant_departments WHERE tenant_id = $1 AND data_source_id = $2`,
		tenantID, dataSourceID); err != nil {
		return err
	}
	query := `
		INSERT INTO tenant_departments (tenant_id, data_source_id, external_id, name, parent_external_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, dept := range departments {
		if _, err := r.db.ExecContext(ctx, query, tenantID, dataSourceID,
			dept.ExternalID, dept.Name, dept.ParentExternalID); err != nil {
			return fmt.Errorf("failed to insert tenant department %s: %w", dept.ExternalID, err)
		}
	}
	return nil
}

// ReplaceUsers 整体替换租户用户投影
func (r *PostgresProjectionRepository) ReplaceUsers(ctx context.Context, tenantID string, dataSourceID int64, users []*domain.TenantUser) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM tenant_users WHERE tenant_id = $1 AND data_source_id = $2`,
		tenantID, dataSourceID); err != nil {
		return err
	}
	query := `
		INSERT INTO tenant_users (tenant_id, data_source_id, external_id, username, full_name, email, phone, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	`
	for _, user := range users {
		extras, err := marshalExtras(user.Extras)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, tenantID, dataSourceID,
			user.ExternalID, user.Username, user.FullName, user.Email, user.Phone, extras); err != nil {
			return fmt.Errorf("failed to insert tenant user %s: %w", user.ExternalID, err)
		}
	}
	return nil
}

// ReplaceUserRelations 整体替换租户用户关系边
func (r *PostgresProjectionRepository) ReplaceUserRelations(ctx context.Context, tenantID string, dataSourceID int64, relations []domain.TenantUserRelation) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM tenant_user_relations WHERE tenant_id = $1 AND data_source_id = $2`,
		tenantID, dataSourceID); err != nil {
		return err
	}
	query := `
		INSERT INTO tenant_user_relations (tenant_id, data_source_id, relation_type, user_external_id, target_external_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, rel := range relations {
		if _, err := r.db.ExecContext(ctx, query, tenantID, dataSourceID,
			rel.RelationType, rel.UserExternalID, rel.TargetExternalID); err != nil {
			return fmt.Errorf("failed to insert tenant user relation: %w", err)
		}
	}
	return nil
}

// ListDepartments 列出租户部门投影
func (r *PostgresProjectionRepository) ListDepartments(ctx context.Context, tenantID string, dataSourceID int64) ([]*domain.TenantDepartment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, data_source_id, external_id, name, parent_external_id
		 FROM tenant_departments
		 WHERE tenant_id = $1 AND data_source_id = $2
		 ORDER BY external_id`,
		tenantID, dataSourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	departments := []*domain.TenantDepartment{}
	for rows.Next() {
		var dept domain.TenantDepartment
		if err := rows.Scan(&dept.TenantID, &dept.DataSourceID, &dept.ExternalID,
			&dept.Name, &dept.ParentExternalID); err != nil {
			return nil, err
		}
		departments = append(departments, &dept)
	}
	return departments, rows.Err()
}

// ListUsers 列出租户用户投影
func (r *PostgresProjectionRepository) ListUsers(ctx context.Context, tenantID string, dataSourceID int64) ([]*domain.TenantUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, data_source_id, external_id, username, full_name, email, phone, extras::text
		 FROM tenant_users
		 WHERE tenant_id = $1 AND data_source_id = $2
		 ORDER BY external_id`,
		tenantID, dataSourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*domain.TenantUser{}
	for rows.Next() {
		var user domain.TenantUser
		var extras sql.NullString
		if err := rows.Scan(&user.TenantID, &user.DataSourceID, &user.ExternalID,
			&user.Username, &user.FullName, &user.Email, &user.Phone, &extras); err != nil {
			return nil, err
		}
		user.Extras = unmarshalExtras(extras)
		users = append(users, &user)
	}
	return users, rows.Err()
}

// ListUserRelations 列出租户用户关系边
func (r *PostgresProjectionRepository) ListUserRelations(ctx context.Context, tenantID string, dataSourceID int64) ([]domain.TenantUserRelation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, data_source_id, relation_type, user_external_id, target_external_id
		 FROM tenant_user_relations
		 WHERE tenant_id = $1 AND data_source_id = $2
		 ORDER BY relation_type, user_external_id, target_external_id`,
		tenantID, dataSourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	relations := []domain.TenantUserRelation{}
	for rows.Next() {
		var rel domain.TenantUserRelation
		if err := rows.Scan(&rel.TenantID, &rel.DataSourceID, &rel.RelationType,
			&rel.UserExternalID, &rel.TargetExternalID); err != nil {
			return nil, err
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}
