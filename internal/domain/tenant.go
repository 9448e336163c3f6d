package domain

import "database/sql"

// TenantIDRecord 租户外部标识映射（对应 tenant_entity_ids 表）
// (tenant, source, entity_type, code) -> external_id；首次投影时创建，此后只读、永不重新生成
type TenantIDRecord struct {
	TenantID     string `db:"tenant_id"`
	DataSourceID int64  `db:"data_source_id"`
	EntityType   string `db:"entity_type"` // department / user
	Code         string `db:"code"`
	ExternalID   string `db:"external_id"`
}

// TenantDepartment 租户侧部门投影（对应 tenant_departments 表）
type TenantDepartment struct {
	TenantID         string         `db:"tenant_id"`
	DataSourceID     int64          `db:"data_source_id"`
	ExternalID       string         `db:"external_id"`
	Name             string         `db:"name"`
	ParentExternalID sql.NullString `db:"parent_external_id"`
}

// TenantUser 租户侧用户投影（对应 tenant_users 表）
type TenantUser struct {
	TenantID     string         `db:"tenant_id"`
	DataSourceID int64          `db:"data_source_id"`
	ExternalID   string         `db:"external_id"`
	Username     string         `db:"username"`
	FullName     string         `db:"full_name"`
	Email        sql.NullString `db:"email"`
	Phone        sql.NullString `db:"phone"`
	Extras       map[string]any `db:"extras"`
}

// TenantUserRelation 租户侧用户关系边（上级/部门，对应 tenant_user_relations 表）
type TenantUserRelation struct {
	TenantID         string `db:"tenant_id"`
	DataSourceID     int64  `db:"data_source_id"`
	RelationType     string `db:"relation_type"` // leader / department
	UserExternalID   string `db:"user_external_id"`
	TargetExternalID string `db:"target_external_id"`
}

// 租户用户关系类型
const (
	RelationTypeLeader     = "leader"
	RelationTypeDepartment = "department"
)
