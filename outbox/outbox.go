// Package outbox 实现本地变更队列（Mutation Outbox）
//
// Outbox 解决的问题：
//  1. 离线或乐观更新产生的变更先落盘、后上送，UI 路径永不等待网络
//  2. 同一实体的变更严格按产生顺序到达服务端（每实体 FIFO）
//  3. 条目 ID 即幂等键：确认丢失后的重试在服务端被识别为重复，不会二次应用
//
// 排序保证只限单个实体内部；不同实体之间不承诺全局顺序。
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auditsync/wire"
)

// Status 条目状态
type Status string

const (
	// StatusPending 等待上送（含退避等待中）
	StatusPending Status = "pending"

	// StatusInflight 已取出、正在上送；所属实体在条目落定前不再出队
	StatusInflight Status = "inflight"

	// StatusFailed 永久失败（校验错误），等待调用方处置，不自动重试
	StatusFailed Status = "failed"
)

// Entry 一条待同步变更
type Entry struct {
	// ID 客户端生成、跨重试稳定的幂等键
	ID string `json:"id"`

	// Seq 全局单调序号，进程重启后用于恢复入队顺序
	Seq int64 `json:"seq"`

	EntityType wire.EntityType `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  wire.Operation  `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// BaseRevision 入队时实体的服务端修订号，上送时作为 expectedRevision
	BaseRevision int64 `json:"base_revision"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// key 持久化键：序号在前，恢复时按键序即按入队序
func (e *Entry) key() string {
	return fmt.Sprintf("%020d:%s", e.Seq, e.ID)
}

// Config Outbox 配置
type Config struct {
	// InitialBackoff 首次重试的退避间隔
	InitialBackoff time.Duration `json:"initial_backoff"`

	// MaxBackoff 退避上限；封顶的是间隔而不是重试次数
	MaxBackoff time.Duration `json:"max_backoff"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// NewEntry 构造一条变更，分配幂等键
func NewEntry(entityType wire.EntityType, entityID string, op wire.Operation, payload json.RawMessage, baseRevision int64) *Entry {
	return &Entry{
		ID:           uuid.NewString(),
		EntityType:   entityType,
		EntityID:     entityID,
		Operation:    op,
		Payload:      payload,
		BaseRevision: baseRevision,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}
}

// nextBackoff 计算下一次尝试时间（指数退避）
//
// 位移上限 10（2^10 = 1024），避免超大 attempt 导致位移溢出；
// 之后完全依赖 MaxBackoff 封顶。
func (e *Entry) nextBackoff(cfg Config, now time.Time) time.Time {
	shift := e.AttemptCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	delay := cfg.InitialBackoff * time.Duration(1<<shift)
	if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	return now.Add(delay)
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.Payload != nil {
		out.Payload = make(json.RawMessage, len(e.Payload))
		copy(out.Payload, e.Payload)
	}
	return &out
}
