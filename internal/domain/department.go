package domain

import "database/sql"

// SourceDepartment 数据源部门快照（对应 source_departments 表）
// code 为上游系统自身的稳定标识，跨同步运行的关联键；仅由实体同步器修改
type SourceDepartment struct {
	ID           int64          `db:"id"`
	DataSourceID int64          `db:"data_source_id"`
	Code         string         `db:"code"` // UNIQUE (data_source_id, code)，不可变
	Name         string         `db:"name"`
	ParentCode   sql.NullString `db:"parent_code"`
	Extras       map[string]any `db:"extras"` // JSONB，租户自定义字段
}

// SourceDepartmentRelation 部门父子关系（对应 source_department_relations 表）
// 每次运行整体重建，从不增量修补
type SourceDepartmentRelation struct {
	DataSourceID   int64          `db:"data_source_id"`
	DepartmentCode string         `db:"department_code"`
	ParentCode     sql.NullString `db:"parent_code"` // NULL表示根节点
}
