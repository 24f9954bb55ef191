package errors

import (
	stdErrors "errors"
	"net/http"
)

// KindOf 返回错误的分类；非 SyncError 一律视为内部错误
func KindOf(err error) Kind {
	var se *SyncError
	if stdErrors.As(err, &se) {
		return se.kind
	}
	return KindInternal
}

// IsTransient 是否为瞬时错误（应退避重试）
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsValidation 是否为校验错误（永久失败，不自动重试）
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsConflict 是否为版本冲突
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsCorruption 是否为本地数据损坏
func IsCorruption(err error) bool {
	return KindOf(err) == KindCorruption
}

// ClassifyHTTPStatus 按同步错误分类学映射 HTTP 状态码
//
// 约定：
//   - 2xx 不应进入此函数，防御性返回 KindInternal
//   - 408/429/5xx 与网络层超时同等对待，视为瞬时
//   - 409 为版本冲突，必须走冲突解析路径
//   - 其余 4xx 为校验错误，永久失败
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	default:
		return KindInternal
	}
}
