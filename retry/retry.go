// Package retry 提供带指数退避的重试执行器
//
// 同步引擎的瞬时错误策略：退避间隔有上限，重试次数没有上限 ——
// 离线期间持续尝试，直到上下文取消或操作成功。
package retry

import (
	"context"
	"time"
)

// Operation 可重试的操作函数类型
type Operation func(ctx context.Context) error

// Config 重试配置
type Config struct {
	// MaxAttempts 最大尝试次数（包括首次）；0 表示不限次数，直到上下文取消
	MaxAttempts int

	// InitialDelay 初始退避延迟
	InitialDelay time.Duration

	// BackoffFactor 退避倍数（指数退避）
	BackoffFactor float64

	// MaxDelay 最大延迟（退避上限封在间隔上，而非次数上）
	MaxDelay time.Duration
}

// DefaultConfig 返回默认配置
//
// 默认值：
//   - MaxAttempts: 0（不限次数）
//   - InitialDelay: 500ms
//   - BackoffFactor: 2.0（指数退避）
//   - MaxDelay: 1m
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   0,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      time.Minute,
	}
}

// Abort 包装错误以立即终止重试
//
// 操作返回 Abort(err) 时，Do 不再继续尝试，直接返回内部错误。
// 用于永久错误（校验失败）与版本冲突：二者都绝不能原样重试。
type abortError struct {
	err error
}

func (a *abortError) Error() string { return a.err.Error() }
func (a *abortError) Unwrap() error { return a.err }

func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// Do 执行带重试的操作
//
// 返回：
//   - nil（任意一次尝试成功）
//   - ctx.Err()（上下文取消）
//   - 被 Abort 包装的内部错误（操作主动终止）
//   - 最后一次执行的错误（次数受限且全部失败）
func Do(ctx context.Context, op Operation, cfg Config) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		// 检查上下文是否已取消
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if abort, ok := err.(*abortError); ok {
			return abort.err
		}
		lastErr = err

		// 次数受限时，最后一次尝试不需要等待
		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if wait <= 0 {
			wait = time.Millisecond
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		// 等待退避延迟（支持上下文取消）
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		// 计算下一次退避
		factor := cfg.BackoffFactor
		if factor <= 1 {
			factor = 2
		}
		delay = time.Duration(float64(delay) * factor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}
