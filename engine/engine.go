// Package engine 汇装离线优先同步引擎的对外门面
//
// UI 层只接触本包：提交变更、读取实体与列表、查询同步状态、解除冲突。
// 所有写路径同步返回（绝不触网），网络交互全部由后台对账器承担。
//
// 设计原则：
//   - 变更先落本地（实体快照 + Outbox 条目原子写入），再由对账周期上送
//   - 列表读取走缓存直读：快照新鲜则直接返回，否则从实体仓重算并回填
//   - 冲突解除是引擎唯一的冲突出口，选择本地时自动重新入队上送
package engine

import (
	"context"
	"encoding/json"
	"time"

	"auditsync/cache"
	"auditsync/domain"
	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/notify"
	"auditsync/outbox"
	"auditsync/reconcile"
	"auditsync/store"
	"auditsync/wire"
)

// Config 引擎配置
type Config struct {
	Logger logging.Logger `json:"-"`
}

// Engine 同步引擎门面
type Engine struct {
	store      *store.EntityStore
	ob         *outbox.Outbox
	snapshots  cache.ISnapshotCache
	reconciler *reconcile.Reconciler
	bus        *notify.Bus
	logger     logging.Logger
}

// New 创建引擎门面；所有依赖由调用方显式注入
func New(cfg Config, es *store.EntityStore, ob *outbox.Outbox, snapshots cache.ISnapshotCache, r *reconcile.Reconciler, bus *notify.Bus) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.ComponentLogger("engine")
	}
	return &Engine{
		store:      es,
		ob:         ob,
		snapshots:  snapshots,
		reconciler: r,
		bus:        bus,
		logger:     logger,
	}
}

// Start 启动后台对账循环
func (e *Engine) Start(ctx context.Context) error { return e.reconciler.Start(ctx) }

// Stop 停止后台对账循环，等待在途周期让出
func (e *Engine) Stop(ctx context.Context) error { return e.reconciler.Stop(ctx) }

// SetOnline 上报连接状态变化（由宿主接入网络探测）
func (e *Engine) SetOnline(online bool) { e.reconciler.SetOnline(online) }

// TriggerSync 请求尽快执行一次同步周期（非阻塞）
func (e *Engine) TriggerSync() { e.reconciler.TriggerSync() }

// Subscribe 订阅同步事件流；返回的取消函数幂等
func (e *Engine) Subscribe(buffer int) (<-chan notify.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// SubmitMutation 提交一次本地变更
//
// 同步执行、绝不触网：实体快照与 Outbox 条目原子落盘后立即返回新的
// LocalRevision，随后以非阻塞方式唤醒对账器。载荷为对应操作的报文编码：
// audit 的 create/update 为完整聚合，delete 为 {"id": ...}；
// action 的 progress/comment 分别为 ActionProgress / ActionComment。
func (e *Engine) SubmitMutation(ctx context.Context, entityType wire.EntityType, op wire.Operation, payload json.RawMessage) (int64, error) {
	var (
		revision int64
		err      error
	)
	switch {
	case entityType == wire.EntityAudit && op == wire.OpCreate:
		revision, err = e.createAudit(ctx, payload)
	case entityType == wire.EntityAudit && op == wire.OpUpdate:
		revision, err = e.updateAudit(ctx, payload)
	case entityType == wire.EntityAudit && op == wire.OpDelete:
		revision, err = e.deleteAudit(ctx, payload)
	case entityType == wire.EntityAction && op == wire.OpProgress:
		revision, err = e.actionProgress(ctx, payload)
	case entityType == wire.EntityAction && op == wire.OpComment:
		revision, err = e.actionComment(ctx, payload)
	default:
		return 0, syncerrors.Newf(syncerrors.KindValidation,
			"unsupported mutation %s/%s", entityType, op)
	}
	if err != nil {
		return 0, err
	}
	e.reconciler.TriggerSync()
	return revision, nil
}

func (e *Engine) createAudit(ctx context.Context, payload json.RawMessage) (int64, error) {
	audit, err := wire.DecodeAudit(payload)
	if err != nil {
		return 0, err
	}
	created, err := e.store.Create(ctx, audit)
	if err != nil {
		return 0, err
	}
	e.refreshSnapshot(ctx, created)
	return created.LocalRevision, nil
}

func (e *Engine) updateAudit(ctx context.Context, payload json.RawMessage) (int64, error) {
	incoming, err := wire.DecodeAudit(payload)
	if err != nil {
		return 0, err
	}
	if incoming.ID == "" {
		return 0, syncerrors.New(syncerrors.KindValidation, "audit update missing id")
	}
	updated, err := e.store.Apply(ctx, incoming.ID, func(a *domain.Audit) error {
		overlay(a, incoming)
		return nil
	}, nil)
	if err != nil {
		return 0, err
	}
	e.refreshSnapshot(ctx, updated)
	return updated.LocalRevision, nil
}

// overlay 以入参内容覆盖实体，同步簿记与创建时间保持仓内值。
// LocalRevision 等由 Apply 统一推进，UI 层无法借载荷回拨。
func overlay(dst, src *domain.Audit) {
	id, meta, createdAt := dst.ID, dst.SyncMeta, dst.CreatedAt
	*dst = *src
	dst.ID = id
	dst.SyncMeta = meta
	dst.CreatedAt = createdAt
}

type deleteRequest struct {
	ID string `json:"id"`
}

func (e *Engine) deleteAudit(ctx context.Context, payload json.RawMessage) (int64, error) {
	var req deleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return 0, syncerrors.Wrap(err, syncerrors.KindValidation, "decode delete request")
	}
	if req.ID == "" {
		return 0, syncerrors.New(syncerrors.KindValidation, "audit delete missing id")
	}
	before, ok := e.store.Get(req.ID)
	if !ok {
		return 0, syncerrors.Newf(syncerrors.KindValidation, "audit %s not found", req.ID)
	}
	if err := e.store.Delete(ctx, req.ID); err != nil {
		return 0, err
	}
	e.invalidateSnapshot(ctx, req.ID)
	// 乐观删除对读已不可见；Delete 内部 TouchLocal 恰好递增一次
	return before.LocalRevision + 1, nil
}

// SubmitActionProgress 上报整改任务进度（SubmitMutation 的类型化入口）
func (e *Engine) SubmitActionProgress(ctx context.Context, p wire.ActionProgress) (int64, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return 0, syncerrors.Wrap(err, syncerrors.KindInternal, "encode action progress")
	}
	return e.SubmitMutation(ctx, wire.EntityAction, wire.OpProgress, payload)
}

// SubmitActionComment 给整改任务留言（SubmitMutation 的类型化入口）
func (e *Engine) SubmitActionComment(ctx context.Context, c wire.ActionComment) (int64, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return 0, syncerrors.Wrap(err, syncerrors.KindInternal, "encode action comment")
	}
	return e.SubmitMutation(ctx, wire.EntityAction, wire.OpComment, payload)
}

func (e *Engine) actionProgress(ctx context.Context, payload json.RawMessage) (int64, error) {
	var p wire.ActionProgress
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, syncerrors.Wrap(err, syncerrors.KindValidation, "decode action progress")
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}

	updated, err := e.store.Apply(ctx, p.AuditID, func(a *domain.Audit) error {
		action := a.Action(p.ActionID)
		if action == nil {
			return syncerrors.Newf(syncerrors.KindValidation, "action %s not found in audit %s", p.ActionID, p.AuditID)
		}
		action.Progress = p.Progress
		switch {
		case p.Progress >= 100:
			action.Status = domain.ActionStatusCompleted
		case p.Progress > 0:
			action.Status = domain.ActionStatusInProgress
		}
		return nil
	}, func(a *domain.Audit) (*outbox.Entry, error) {
		// 窄变更条目：挂在所属审核单的队列上保持同实体 FIFO
		return outbox.NewEntry(wire.EntityAction, p.AuditID, wire.OpProgress, payload, a.ServerRevision), nil
	})
	if err != nil {
		return 0, err
	}
	e.refreshSnapshot(ctx, updated)
	return updated.LocalRevision, nil
}

func (e *Engine) actionComment(ctx context.Context, payload json.RawMessage) (int64, error) {
	var c wire.ActionComment
	if err := json.Unmarshal(payload, &c); err != nil {
		return 0, syncerrors.Wrap(err, syncerrors.KindValidation, "decode action comment")
	}
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if c.CommentID == "" {
		c.CommentID = domain.NewID()
		regenerated, err := json.Marshal(c)
		if err != nil {
			return 0, syncerrors.Wrap(err, syncerrors.KindInternal, "encode action comment")
		}
		payload = regenerated
	}
	now := time.Now()

	updated, err := e.store.Apply(ctx, c.AuditID, func(a *domain.Audit) error {
		action := a.Action(c.ActionID)
		if action == nil {
			return syncerrors.Newf(syncerrors.KindValidation, "action %s not found in audit %s", c.ActionID, c.AuditID)
		}
		action.Comments = append(action.Comments, domain.Comment{
			ID:        c.CommentID,
			AuthorRef: c.AuthorRef,
			Body:      c.Body,
			CreatedAt: now,
		})
		return nil
	}, func(a *domain.Audit) (*outbox.Entry, error) {
		return outbox.NewEntry(wire.EntityAction, c.AuditID, wire.OpComment, payload, a.ServerRevision), nil
	})
	if err != nil {
		return 0, err
	}
	e.refreshSnapshot(ctx, updated)
	return updated.LocalRevision, nil
}

// GetAudit 读取单个审核单及其同步状态
func (e *Engine) GetAudit(id string) (*domain.Audit, domain.SyncStatus, bool) {
	audit, ok := e.store.Get(id)
	if !ok {
		return nil, "", false
	}
	return audit, audit.SyncStatus, true
}

// ListAudits 按过滤条件列出审核单
//
// 缓存直读：同一查询形状的新鲜快照直接返回（fromCache=true）；
// 未命中或已过期则从实体仓重算、回填快照后返回。
func (e *Engine) ListAudits(ctx context.Context, filters domain.ListFilters) (audits []*domain.Audit, fromCache bool) {
	key := cache.ListKey(string(wire.EntityAudit), filters.CacheKey())
	value, hit, err := cache.GetOrFetch(ctx, e.snapshots, key, func(context.Context) ([]byte, error) {
		return json.Marshal(e.store.List(filters))
	})
	if err != nil {
		return e.store.List(filters), false
	}
	if err := json.Unmarshal(value, &audits); err != nil {
		// 快照损坏：作废后直读实体仓
		if e.snapshots != nil {
			_ = e.snapshots.Invalidate(ctx, key)
		}
		return e.store.List(filters), false
	}
	return audits, hit
}

// SyncState 同步引擎的聚合状态视图
type SyncState struct {
	PendingCount int             `json:"pending_count"`
	FailedCount  int             `json:"failed_count"`
	LastSyncAt   time.Time       `json:"last_sync_at"`
	Conflicts    []string        `json:"conflicts,omitempty"`
	Phase        reconcile.Phase `json:"phase"`
	Online       bool            `json:"online"`
}

// GetSyncState 返回当前同步状态快照
func (e *Engine) GetSyncState() SyncState {
	return SyncState{
		PendingCount: e.ob.PendingCount(),
		FailedCount:  len(e.ob.FailedEntries()),
		LastSyncAt:   e.reconciler.LastSyncAt(),
		Conflicts:    e.store.Conflicts(),
		Phase:        e.reconciler.Phase(),
		Online:       e.reconciler.Online(),
	}
}

// PendingConflict 读取冲突双方供 UI 比对展示
func (e *Engine) PendingConflict(id string) (local, remote *domain.Audit, notice string, ok bool) {
	return e.store.PendingConflict(id)
}

// ResolveConflict 显式解除冲突
//
// 选择 local 时合并候选重新入队上送并立即唤醒对账器；
// 选择 remote 时丢弃本地候选，状态回到 synced。
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice store.ConflictVersion) (*domain.Audit, error) {
	resolved, err := e.store.ResolveConflict(ctx, id, choice)
	if err != nil {
		return nil, err
	}
	e.refreshSnapshot(ctx, resolved)
	if choice == store.ConflictKeepLocal {
		e.reconciler.TriggerSync()
	}
	return resolved, nil
}

// RetryFailed 将永久失败的条目重新置为待上送并唤醒对账器
func (e *Engine) RetryFailed(ctx context.Context, entryID string) error {
	if err := e.ob.RetryFailed(ctx, entryID); err != nil {
		return err
	}
	e.reconciler.TriggerSync()
	return nil
}

// DiscardFailed 放弃一条永久失败的条目，与 RetryFailed 相对的处置出口
//
// 条目承载的本地改动不再上送；实体当前状态保持不变，后续编辑照常入队。
func (e *Engine) DiscardFailed(ctx context.Context, entryID string) error {
	return e.ob.Drop(ctx, entryID)
}

// FailedEntries 当前永久失败、等待处置的条目
func (e *Engine) FailedEntries() []outbox.Entry {
	return e.ob.FailedEntries()
}

// refreshSnapshot 本地写后刷新实体快照并作废列表快照
func (e *Engine) refreshSnapshot(ctx context.Context, audit *domain.Audit) {
	if e.snapshots == nil || audit == nil {
		return
	}
	if payload, err := wire.EncodeAudit(audit); err == nil {
		_ = e.snapshots.Put(ctx, cache.EntityKey(string(wire.EntityAudit), audit.ID), payload)
	}
	_ = e.snapshots.InvalidatePrefix(ctx, cache.ListKeyPrefix(string(wire.EntityAudit)))
}

func (e *Engine) invalidateSnapshot(ctx context.Context, id string) {
	if e.snapshots == nil {
		return
	}
	_ = e.snapshots.Invalidate(ctx, cache.EntityKey(string(wire.EntityAudit), id))
	_ = e.snapshots.InvalidatePrefix(ctx, cache.ListKeyPrefix(string(wire.EntityAudit)))
}
