package domain

import "database/sql"

// SourceUser 数据源用户快照（对应 source_users 表）
// 仅由实体同步器在一次同步运行内修改
type SourceUser struct {
	ID           int64          `db:"id"`
	DataSourceID int64          `db:"data_source_id"`
	Code         string         `db:"code"` // UNIQUE (data_source_id, code)，不可变
	Username     string         `db:"username"`
	FullName     string         `db:"full_name"`
	Email        sql.NullString `db:"email"`
	Phone        sql.NullString `db:"phone"`
	CountryCode  string         `db:"phone_country_code"`
	Extras       map[string]any `db:"extras"` // JSONB，租户自定义字段
}

// SourceUserLeaderRelation 用户-上级关系边（对应 source_user_leader_relations 表）
type SourceUserLeaderRelation struct {
	DataSourceID int64  `db:"data_source_id"`
	UserCode     string `db:"user_code"`
	LeaderCode   string `db:"leader_code"`
}

// SourceDepartmentUserRelation 部门-用户关系边（对应 source_department_user_relations 表）
type SourceDepartmentUserRelation struct {
	DataSourceID   int64  `db:"data_source_id"`
	DepartmentCode string `db:"department_code"`
	UserCode       string `db:"user_code"`
}
