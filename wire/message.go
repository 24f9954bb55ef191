// Package wire 定义客户端与服务端之间的同步报文
//
// 报文是带版本号的显式标签联合（实体类型 × 操作），而不是不透明 JSON 块，
// 冲突解析器因此可以在顶层字段粒度上做三方比较。
package wire

import (
	"encoding/json"
	"time"

	"auditsync/domain"
	syncerrors "auditsync/errors"
)

// SchemaVersion 当前报文格式版本
const SchemaVersion = 1

// EntityType 报文实体类型
type EntityType string

const (
	EntityAudit  EntityType = "audit"
	EntityAction EntityType = "action"
)

// Operation 报文操作
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"

	// 窄变更操作：不携带完整 Audit 载荷，走独立端点
	OpProgress Operation = "progress"
	OpComment  Operation = "comment"
)

// Envelope 同步报文信封
//
// IdempotencyKey 与 Outbox 条目 ID 一致，重试在服务端可被识别为重复而不会二次应用。
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	EntityType     EntityType      `json:"entity_type"`
	Operation      Operation       `json:"operation"`
	EntityID       string          `json:"entity_id"`
	Revision       int64           `json:"revision"`
	IdempotencyKey string          `json:"idempotency_key"`
	IssuedAt       time.Time       `json:"issued_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate 校验信封结构
func (e *Envelope) Validate() error {
	if e.SchemaVersion <= 0 || e.SchemaVersion > SchemaVersion {
		return syncerrors.Newf(syncerrors.KindValidation, "unsupported schema version %d", e.SchemaVersion)
	}
	if e.EntityID == "" {
		return syncerrors.New(syncerrors.KindValidation, "envelope missing entity id")
	}
	switch e.EntityType {
	case EntityAudit:
		switch e.Operation {
		case OpCreate, OpUpdate, OpDelete:
		default:
			return syncerrors.Newf(syncerrors.KindValidation, "operation %q not valid for audit", e.Operation)
		}
	case EntityAction:
		switch e.Operation {
		case OpProgress, OpComment:
		default:
			return syncerrors.Newf(syncerrors.KindValidation, "operation %q not valid for action", e.Operation)
		}
	default:
		return syncerrors.Newf(syncerrors.KindValidation, "unknown entity type %q", e.EntityType)
	}
	if e.Operation != OpDelete && len(e.Payload) == 0 {
		return syncerrors.Newf(syncerrors.KindValidation, "operation %q requires a payload", e.Operation)
	}
	return nil
}

// EncodeAudit 将审核聚合编码为报文载荷
func EncodeAudit(a *domain.Audit) (json.RawMessage, error) {
	if a == nil {
		return nil, syncerrors.New(syncerrors.KindValidation, "nil audit")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindInternal, "encode audit")
	}
	return data, nil
}

// DecodeAudit 从报文载荷解码审核聚合
func DecodeAudit(payload json.RawMessage) (*domain.Audit, error) {
	if len(payload) == 0 {
		return nil, syncerrors.New(syncerrors.KindValidation, "empty audit payload")
	}
	var a domain.Audit
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindCorruption, "decode audit payload")
	}
	return &a, nil
}

// ActionProgress 整改任务进度上报载荷
type ActionProgress struct {
	AuditID  string `json:"audit_id"`
	ActionID string `json:"action_id"`
	Progress int    `json:"progress"` // 0-100
}

// Validate 校验进度载荷
func (p ActionProgress) Validate() error {
	if p.AuditID == "" || p.ActionID == "" {
		return syncerrors.New(syncerrors.KindValidation, "action progress missing ids")
	}
	if p.Progress < 0 || p.Progress > 100 {
		return syncerrors.Newf(syncerrors.KindValidation, "progress %d out of range [0,100]", p.Progress)
	}
	return nil
}

// ActionComment 整改任务留言载荷
type ActionComment struct {
	AuditID   string `json:"audit_id"`
	ActionID  string `json:"action_id"`
	CommentID string `json:"comment_id"`
	AuthorRef string `json:"author_ref,omitempty"`
	Body      string `json:"body"`
}

// Validate 校验留言载荷
func (c ActionComment) Validate() error {
	if c.AuditID == "" || c.ActionID == "" {
		return syncerrors.New(syncerrors.KindValidation, "action comment missing ids")
	}
	if c.Body == "" {
		return syncerrors.New(syncerrors.KindValidation, "action comment body empty")
	}
	return nil
}

// NewAuditEnvelope 构造审核聚合报文
func NewAuditEnvelope(op Operation, a *domain.Audit, idempotencyKey string, now time.Time) (*Envelope, error) {
	var payload json.RawMessage
	if op != OpDelete {
		var err error
		payload, err = EncodeAudit(a)
		if err != nil {
			return nil, err
		}
	}
	env := &Envelope{
		SchemaVersion:  SchemaVersion,
		EntityType:     EntityAudit,
		Operation:      op,
		EntityID:       a.ID,
		Revision:       a.LocalRevision,
		IdempotencyKey: idempotencyKey,
		IssuedAt:       now,
		Payload:        payload,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
