// Package domain 定义审核聚合的数据模型与同步元数据
//
// 聚合结构：Audit -> Section -> Item 构成严格的树（不共享、无环），
// Finding 与 Action 是 Audit 的独立子实体，不参与评分汇总。
//
// 同步元数据约束：
//   - LocalRevision 只增不减，每次本地变更递增
//   - ServerRevision 仅推进到服务端已确认的值
//   - SyncStatus 为 conflict 时是终态，只能由调用方显式解除，引擎绝不静默清除
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditStatus 审核单状态
type AuditStatus string

const (
	AuditStatusDraft         AuditStatus = "draft"
	AuditStatusInProgress    AuditStatus = "in_progress"
	AuditStatusPendingReview AuditStatus = "pending_review"
	AuditStatusCompleted     AuditStatus = "completed"
	AuditStatusArchived      AuditStatus = "archived"
)

// SyncStatus 实体同步状态
type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusPendingSync SyncStatus = "pending_sync"
	SyncStatusConflict    SyncStatus = "conflict"
)

// Response 检查项响应
type Response string

const (
	ResponseCompliant    Response = "compliant"
	ResponseNonCompliant Response = "non_compliant"
	ResponseNA           Response = "na"
	ResponseUnset        Response = "unset"
)

// Severity 问题严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FindingStatus 问题处理状态
type FindingStatus string

const (
	FindingStatusOpen       FindingStatus = "open"
	FindingStatusInProgress FindingStatus = "in_progress"
	FindingStatusResolved   FindingStatus = "resolved"
)

// ActionStatus 整改任务状态
type ActionStatus string

const (
	ActionStatusOpen       ActionStatus = "open"
	ActionStatusInProgress ActionStatus = "in_progress"
	ActionStatusCompleted  ActionStatus = "completed"
)

// Item 检查项，属于且仅属于一个 Section
type Item struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	Response       Response `json:"response"`
	Weight         float64  `json:"weight,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
}

// Section 审核分区，属于且仅属于一个 Audit
type Section struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Weight float64 `json:"weight,omitempty"`
	Items  []Item  `json:"items"`

	// Score 派生字段：由子项纯函数计算，写入时重算，绝不作为独立事实来源
	Score *int `json:"score,omitempty"`
}

// Finding 审核发现，是 Audit 的独立子实体（不挂在 Section 下），不参与评分
type Finding struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Severity       Severity      `json:"severity"`
	Category       string        `json:"category,omitempty"`
	Description    string        `json:"description,omitempty"`
	Status         FindingStatus `json:"status,omitempty"`
	AttachmentRefs []string      `json:"attachment_refs,omitempty"`
}

// Comment 整改任务留言
type Comment struct {
	ID        string    `json:"id"`
	AuthorRef string    `json:"author_ref,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Action 整改任务，可关联某个 Finding
type Action struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	FindingID   string       `json:"finding_id,omitempty"`
	AssigneeRef string       `json:"assignee_ref,omitempty"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	Status      ActionStatus `json:"status"`
	Progress    int          `json:"progress"` // 0-100
	Comments    []Comment    `json:"comments,omitempty"`
}

// SyncMeta 实体同步元数据
type SyncMeta struct {
	SyncStatus SyncStatus `json:"sync_status"`

	// SyncVersion 本地/远端比较键（服务端下发的单调版本号）
	SyncVersion int64 `json:"sync_version"`

	// LocalRevision 每次本地变更递增
	LocalRevision int64 `json:"local_revision"`

	// ServerRevision 服务端最近确认的修订号
	ServerRevision int64 `json:"server_revision"`
}

// Audit 审核单聚合根
type Audit struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	TemplateID     string      `json:"template_id,omitempty"`
	OrganizationID string      `json:"organization_id,omitempty"`
	LocationRef    string      `json:"location_ref,omitempty"`
	AuditorRef     string      `json:"auditor_ref,omitempty"`
	Category       string      `json:"category,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Status         AuditStatus `json:"status"`

	// OverallScore 派生字段，所有分区均无计分项时为 nil
	OverallScore *int `json:"overall_score,omitempty"`

	Sections []Section `json:"sections"`
	Findings []Finding `json:"findings,omitempty"`
	Actions  []Action  `json:"actions,omitempty"`

	SyncMeta

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID 生成客户端实体 ID
func NewID() string {
	return uuid.NewString()
}

// Section 按 ID 查找分区
func (a *Audit) Section(id string) *Section {
	for i := range a.Sections {
		if a.Sections[i].ID == id {
			return &a.Sections[i]
		}
	}
	return nil
}

// FindItem 在整棵树中按 ID 查找检查项，返回所属分区与检查项
func (a *Audit) FindItem(id string) (*Section, *Item) {
	for i := range a.Sections {
		for j := range a.Sections[i].Items {
			if a.Sections[i].Items[j].ID == id {
				return &a.Sections[i], &a.Sections[i].Items[j]
			}
		}
	}
	return nil, nil
}

// Action 按 ID 查找整改任务
func (a *Audit) Action(id string) *Action {
	for i := range a.Actions {
		if a.Actions[i].ID == id {
			return &a.Actions[i]
		}
	}
	return nil
}

// Finding 按 ID 查找审核发现
func (a *Audit) Finding(id string) *Finding {
	for i := range a.Findings {
		if a.Findings[i].ID == id {
			return &a.Findings[i]
		}
	}
	return nil
}

// TouchLocal 记录一次本地变更：递增 LocalRevision 并置为待同步
//
// 注意：conflict 是终态，此处不会覆盖，解除冲突必须走显式的解析路径。
func (a *Audit) TouchLocal(now time.Time) {
	a.LocalRevision++
	a.UpdatedAt = now
	if a.SyncStatus != SyncStatusConflict {
		a.SyncStatus = SyncStatusPendingSync
	}
}

// AcknowledgeServer 记录服务端确认：推进 ServerRevision 与 SyncVersion
//
// ServerRevision 只向前推进，乱序到达的旧确认被忽略。
func (a *Audit) AcknowledgeServer(revision int64) {
	if revision > a.ServerRevision {
		a.ServerRevision = revision
		a.SyncVersion = revision
	}
	if a.SyncStatus != SyncStatusConflict {
		a.SyncStatus = SyncStatusSynced
	}
}
