package domain

import (
	"errors"
	"fmt"
)

// ErrLockContention 数据源锁被其他运行持有：立即失败，无任何写入需要回滚
var ErrLockContention = errors.New("another sync run holds the data source lock")

// ConfigError 插件配置缺失或非法：任务不会启动
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError 创建配置错误
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// ConnectivityError 上游系统不可达（页级重试耗尽后）：整个任务失败
type ConnectivityError struct {
	Message string
	Err     error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connectivity error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("connectivity error: %s", e.Message)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ValidationError 单条记录未通过校验：跳过并告警，超过跳过比例阈值才整体失败
type ValidationError struct {
	Code    string // 记录的自然code
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: record %q field %q: %s", e.Code, e.Field, e.Message)
}

// ConflictError 一次拉取内自然code重复，或声明唯一的自定义字段跨用户冲突：整个任务失败
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict error: %s", e.Message)
}

// NewConflictError 创建冲突错误
func NewConflictError(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsRecordSkippable 判断错误是否为可跳过的单记录校验错误
func IsRecordSkippable(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
