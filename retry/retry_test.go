package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:   maxAttempts,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      5 * time.Millisecond,
	}
}

// TestDo_SucceedsAfterRetries 前几次失败后成功
func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// TestDo_MaxAttemptsExhausted 次数受限时返回最后一次错误
func TestDo_MaxAttemptsExhausted(t *testing.T) {
	boom := errors.New("still failing")
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	}, fastConfig(3))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

// TestDo_UnlimitedUntilCancel MaxAttempts=0 时一直重试，直到上下文取消
func TestDo_UnlimitedUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, func(ctx context.Context) error {
		attempts++
		return errors.New("offline")
	}, fastConfig(0))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Greater(t, attempts, 1)
}

// TestDo_AbortStopsImmediately Abort 包装的错误立刻终止且解包返回
func TestDo_AbortStopsImmediately(t *testing.T) {
	permanent := errors.New("validation failed")
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Abort(permanent)
	}, fastConfig(0))

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

// TestDo_DelayCapped 退避间隔封顶，不会无限增长
func TestDo_DelayCapped(t *testing.T) {
	cfg := Config{
		MaxAttempts:   6,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 10,
		MaxDelay:      3 * time.Millisecond,
	}
	start := time.Now()
	_ = Do(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	}, cfg)

	// 5 次等待全部被封在 3ms 上限：总耗时远小于未封顶的 1+10+100+... ms
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

// TestAbort_NilPassthrough Abort(nil) 返回 nil
func TestAbort_NilPassthrough(t *testing.T) {
	assert.NoError(t, Abort(nil))
}
