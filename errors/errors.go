// Package errors 提供同步引擎统一的错误模型
//
// 错误按同步语义分类（Kind），调用方据此决定处理策略：
//   - KindTransient  瞬时错误（超时、5xx、断网），带退避重试，永不视为数据丢失
//   - KindValidation 校验错误（4xx），永久失败，标记条目并上报调用方，不自动重试
//   - KindConflict   版本冲突（409），交由冲突解析器处理，绝不携带原 expectedRevision 重试
//   - KindCorruption 本地持久化数据损坏，对应存储退回空状态并从零检查点全量拉取
//   - KindInternal   其余内部错误
package errors

import (
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindTransient  Kind = "transient"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindCorruption Kind = "corruption"
	KindInternal   Kind = "internal"
)

// SyncError 同步引擎错误实现
type SyncError struct {
	kind    Kind
	message string
	cause   error
	details map[string]any
}

// New 创建新错误
func New(kind Kind, message string) *SyncError {
	return &SyncError{
		kind:    kind,
		message: message,
		details: make(map[string]any),
	}
}

// Newf 创建带格式化消息的新错误
func Newf(kind Kind, format string, args ...any) *SyncError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap 包装错误；err 为 nil 时返回 nil
func Wrap(err error, kind Kind, message string) *SyncError {
	if err == nil {
		return nil
	}
	return &SyncError{
		kind:    kind,
		message: message,
		cause:   err,
		details: make(map[string]any),
	}
}

// Error 实现 error 接口
func (e *SyncError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.message)
}

// Kind 获取错误分类
func (e *SyncError) Kind() Kind {
	return e.kind
}

// Message 获取错误消息
func (e *SyncError) Message() string {
	return e.message
}

// Unwrap 获取原始错误
func (e *SyncError) Unwrap() error {
	return e.cause
}

// Details 获取错误详情
func (e *SyncError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// WithDetail 添加一条详情并返回自身，便于链式调用
func (e *SyncError) WithDetail(key string, value any) *SyncError {
	e.Details()[key] = value
	return e
}
