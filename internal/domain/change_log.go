package domain

import (
	"encoding/json"
	"time"
)

// 同步实体类型
const (
	EntityTypeDepartment             = "department"
	EntityTypeDepartmentRelation     = "department_relation"
	EntityTypeUser                   = "user"
	EntityTypeUserLeaderRelation     = "user_leader_relation"
	EntityTypeDepartmentUserRelation = "department_user_relation"
)

// 变更操作类型
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// ChangeLogEntry 单条变更记录（对应 sync_change_logs 表，append-only）
// 每次运行中决定的 create/update/delete 各写一行，用于审计与诊断
// update 只记录新字段值；delete 只记录自然标识字段
type ChangeLogEntry struct {
	ID           int64           `db:"id"`
	TaskID       int64           `db:"task_id"`
	DataSourceID int64           `db:"data_source_id"`
	EntityType   string          `db:"entity_type"`
	Operation    string          `db:"operation"`
	Code         string          `db:"code"`
	Detail       json.RawMessage `db:"detail"`
	CreatedAt    time.Time       `db:"created_at"`
}
