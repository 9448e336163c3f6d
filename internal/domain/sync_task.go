package domain

import "time"

// 同步任务状态
const (
	TaskStatusPending = "pending"
	TaskStatusRunning = "running"
	TaskStatusSuccess = "success"
	TaskStatusFailed  = "failed"
)

// 触发方式
const (
	TriggerManual    = "manual"    // 手动触发：调用方同步等待
	TriggerScheduled = "scheduled" // 定时/后台触发：工作池执行
)

// SyncTask 一次同步运行的任务记录（对应 sync_tasks 表）
// 任务记录在实体写事务之外提交，失败时仍可观察
type SyncTask struct {
	ID           int64         `db:"id"`
	DataSourceID int64         `db:"data_source_id"`
	Status       string        `db:"status"`
	Trigger      string        `db:"trigger"`
	Operator     string        `db:"operator"`
	Overwrite    bool          `db:"overwrite"` // true=覆盖模式 false=增量模式
	StartedAt    time.Time     `db:"started_at"`
	Duration     time.Duration `db:"duration_ms"`
	Logs         string        `db:"logs"`        // 运行日志原文
	HasWarning   bool          `db:"has_warning"` // 存在被跳过记录等警告
}
