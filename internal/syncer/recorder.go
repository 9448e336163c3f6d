package syncer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// ChangeRecorder 一次同步运行的变更与日志缓冲
// 变更记录随运行累积，实体写事务提交成功后一次性落库；
// 与数据库保存点配套提供检查点回滚，被回滚段的变更记录一并丢弃
type ChangeRecorder struct {
	taskID       int64
	dataSourceID int64

	entries    []*domain.ChangeLogEntry
	logs       strings.Builder
	hasWarning bool
}

// NewChangeRecorder 创建变更缓冲
func NewChangeRecorder(taskID, dataSourceID int64) *ChangeRecorder {
	return &ChangeRecorder{taskID: taskID, dataSourceID: dataSourceID}
}

// RecordCreate 记录一条create变更，detail为新实体字段
func (r *ChangeRecorder) RecordCreate(entityType, code string, detail any) {
	r.record(entityType, domain.OperationCreate, code, detail)
}

// RecordUpdate 记录一条update变更，detail仅含新字段值
func (r *ChangeRecorder) RecordUpdate(entityType, code string, detail any) {
	r.record(entityType, domain.OperationUpdate, code, detail)
}

// RecordDelete 记录一条delete变更，detail仅含自然标识
func (r *ChangeRecorder) RecordDelete(entityType, code string, detail any) {
	r.record(entityType, domain.OperationDelete, code, detail)
}

func (r *ChangeRecorder) record(entityType, operation, code string, detail any) {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	r.entries = append(r.entries, &domain.ChangeLogEntry{
		TaskID:       r.taskID,
		DataSourceID: r.dataSourceID,
		EntityType:   entityType,
		Operation:    operation,
		Code:         code,
		Detail:       raw,
		CreatedAt:    time.Now(),
	})
}

// Logf 追加一行运行日志
func (r *ChangeRecorder) Logf(format string, args ...any) {
	fmt.Fprintf(&r.logs, "%s %s\n", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
}

// Warnf 追加一行告警日志并标记本次运行有告警
func (r *ChangeRecorder) Warnf(format string, args ...any) {
	r.hasWarning = true
	r.Logf("WARNING: "+format, args...)
}

// Checkpoint 记下当前变更条数，供RollbackTo截断
func (r *ChangeRecorder) Checkpoint() int {
	return len(r.entries)
}

// RollbackTo 丢弃检查点之后记录的变更（日志保留，便于诊断）
func (r *ChangeRecorder) RollbackTo(checkpoint int) {
	if checkpoint >= 0 && checkpoint <= len(r.entries) {
		r.entries = r.entries[:checkpoint]
	}
}

// Entries 缓冲中的全部变更记录
func (r *ChangeRecorder) Entries() []*domain.ChangeLogEntry {
	return r.entries
}

// LogText 运行日志原文
func (r *ChangeRecorder) LogText() string {
	return r.logs.String()
}

// HasWarning 本次运行是否出现过告警
func (r *ChangeRecorder) HasWarning() bool {
	return r.hasWarning
}
