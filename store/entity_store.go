// Package store 实现实体存储（Entity Store）
//
// 并发模型：每实体一把互斥锁 —— UI 线程与后台 Reconciler 对同一实体的
// 读改写绝不交错；不同实体之间的操作可以并发进行。
//
// 每条记录同时保存三个快照：
//   - Current        当前本地状态（UI 读到的值）
//   - Base           最近一次服务端确认的状态，冲突解析的三方比较基准
//   - ConflictLocal  同字段冲突时被搁置的本地候选（侧缓冲，供用户比对）
//
// 本地变更与对应的 Outbox 条目写入同一个原子事务：崩溃不会留下
// 一个没有挂起变更记录的已修改实体。
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"auditsync/domain"
	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/outbox"
	"auditsync/score"
	"auditsync/storage"
	"auditsync/wire"
)

// record 单个实体的全部状态；mu 即该实体的独占锁
type record struct {
	mu sync.Mutex

	Current        *domain.Audit `json:"current"`
	Base           *domain.Audit `json:"base,omitempty"`
	ConflictLocal  *domain.Audit `json:"conflict_local,omitempty"`
	ConflictNotice string        `json:"conflict_notice,omitempty"`

	// Deleted 乐观删除墓碑：本地已删、等待服务端确认，期间对读不可见
	Deleted bool `json:"deleted,omitempty"`
}

// EntityStore 审核聚合的本地存储
type EntityStore struct {
	mu      sync.RWMutex
	records map[string]*record

	kv  storage.IKVStore
	ob  *outbox.Outbox
	log logging.Logger
}

// NewEntityStore 创建实体存储并从持久化快照恢复
//
// 损坏的行跳过并告警；实体快照的恢复不依赖其他命名空间是否完好。
func NewEntityStore(ctx context.Context, kv storage.IKVStore, ob *outbox.Outbox, logger logging.Logger) (*EntityStore, error) {
	if logger == nil {
		logger = logging.ComponentLogger("store")
	}
	es := &EntityStore{
		records: make(map[string]*record),
		kv:      kv,
		ob:      ob,
		log:     logger,
	}
	pairs, err := kv.List(ctx, storage.NamespaceEntities)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindCorruption, "restore entity store")
	}
	for _, p := range pairs {
		var rec record
		if err := json.Unmarshal(p.Value, &rec); err != nil || rec.Current == nil {
			es.log.Warn(ctx, "entity snapshot corrupted, dropping", logging.String("key", p.Key), logging.Error(err))
			_ = kv.Delete(ctx, storage.NamespaceEntities, p.Key)
			continue
		}
		es.records[rec.Current.ID] = &rec
	}
	return es, nil
}

// Create 创建审核单并入队 create 变更（单个原子单元）
func (es *EntityStore) Create(ctx context.Context, a *domain.Audit) (*domain.Audit, error) {
	if a == nil {
		return nil, syncerrors.New(syncerrors.KindValidation, "nil audit")
	}
	now := time.Now()
	audit := a.Clone()
	if audit.ID == "" {
		audit.ID = domain.NewID()
	}
	if audit.Status == "" {
		audit.Status = domain.AuditStatusDraft
	}
	audit.CreatedAt = now
	score.Recompute(audit)
	audit.TouchLocal(now)

	es.mu.Lock()
	if _, exists := es.records[audit.ID]; exists {
		es.mu.Unlock()
		return nil, syncerrors.Newf(syncerrors.KindValidation, "audit %s already exists", audit.ID)
	}
	rec := &record{Current: audit}
	es.records[audit.ID] = rec
	es.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	payload, err := wire.EncodeAudit(audit)
	if err != nil {
		return nil, err
	}
	entry := outbox.NewEntry(wire.EntityAudit, audit.ID, wire.OpCreate, payload, 0)
	if err := es.persistWithEntry(ctx, rec, entry); err != nil {
		es.mu.Lock()
		delete(es.records, audit.ID)
		es.mu.Unlock()
		return nil, err
	}
	return audit.Clone(), nil
}

// Apply 对已有实体应用一次本地变更
//
// mutate 在副本上执行；成功后派生分数重算、LocalRevision 递增，
// 由 buildEntry 产出的 Outbox 条目与新快照一起原子落盘。
// buildEntry 为 nil 时默认入队一条完整的 update 报文。
func (es *EntityStore) Apply(
	ctx context.Context,
	id string,
	mutate func(a *domain.Audit) error,
	buildEntry func(a *domain.Audit) (*outbox.Entry, error),
) (*domain.Audit, error) {
	rec, err := es.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.Deleted {
		return nil, syncerrors.Newf(syncerrors.KindValidation, "audit %s is deleted", id)
	}
	if rec.Current.SyncStatus == domain.SyncStatusConflict {
		// 冲突是终态：先解决冲突，再继续编辑
		return nil, syncerrors.Newf(syncerrors.KindConflict, "audit %s has an unresolved conflict", id)
	}

	next := rec.Current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id // 变更不允许改写实体 ID
	score.Recompute(next)
	next.TouchLocal(time.Now())

	var entry *outbox.Entry
	if buildEntry != nil {
		entry, err = buildEntry(next)
	} else {
		var payload json.RawMessage
		payload, err = wire.EncodeAudit(next)
		if err == nil {
			entry = outbox.NewEntry(wire.EntityAudit, id, wire.OpUpdate, payload, next.ServerRevision)
		}
	}
	if err != nil {
		return nil, err
	}

	prev := rec.Current
	rec.Current = next
	if err := es.persistWithEntry(ctx, rec, entry); err != nil {
		rec.Current = prev
		return nil, err
	}
	return next.Clone(), nil
}

// Delete 乐观删除：实体立即对读不可见，delete 变更入队等待服务端确认
func (es *EntityStore) Delete(ctx context.Context, id string) error {
	rec, err := es.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.Deleted {
		return nil
	}
	if rec.Current.SyncStatus == domain.SyncStatusConflict {
		return syncerrors.Newf(syncerrors.KindConflict, "audit %s has an unresolved conflict", id)
	}

	rec.Deleted = true
	rec.Current.TouchLocal(time.Now())
	entry := outbox.NewEntry(wire.EntityAudit, id, wire.OpDelete, nil, rec.Current.ServerRevision)
	if err := es.persistWithEntry(ctx, rec, entry); err != nil {
		rec.Deleted = false
		return err
	}
	return nil
}

// RollbackDelete 服务端拒绝删除后恢复可见性
func (es *EntityStore) RollbackDelete(ctx context.Context, id string) error {
	rec, err := es.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.Deleted {
		return nil
	}
	rec.Deleted = false
	return es.persist(ctx, rec)
}

// Get 读取实体副本；乐观删除中的实体不可见
func (es *EntityStore) Get(id string) (*domain.Audit, bool) {
	es.mu.RLock()
	rec, ok := es.records[id]
	es.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.Deleted {
		return nil, false
	}
	return rec.Current.Clone(), true
}

// List 按过滤条件返回实体副本，按创建时间降序（新建在前）
func (es *EntityStore) List(filters domain.ListFilters) []*domain.Audit {
	es.mu.RLock()
	recs := make([]*record, 0, len(es.records))
	for _, rec := range es.records {
		recs = append(recs, rec)
	}
	es.mu.RUnlock()

	var out []*domain.Audit
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.Deleted && filters.Match(rec.Current) {
			out = append(out, rec.Current.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (es *EntityStore) lookup(id string) (*record, error) {
	es.mu.RLock()
	rec, ok := es.records[id]
	es.mu.RUnlock()
	if !ok {
		return nil, syncerrors.Newf(syncerrors.KindValidation, "audit %s not found", id)
	}
	return rec, nil
}

// persistWithEntry 快照与 Outbox 条目写入同一事务；需要持记录锁调用
func (es *EntityStore) persistWithEntry(ctx context.Context, rec *record, entry *outbox.Entry) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "encode entity record")
	}
	key, value, err := es.ob.Stage(entry)
	if err != nil {
		return err
	}
	err = es.kv.Update(ctx, func(tx storage.ITx) error {
		if err := tx.Put(storage.NamespaceEntities, rec.Current.ID, data); err != nil {
			return err
		}
		return tx.Put(storage.NamespaceOutbox, key, value)
	})
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "persist mutation unit")
	}
	es.ob.Commit(entry)
	return nil
}

// persist 仅落盘快照；需要持记录锁调用
func (es *EntityStore) persist(ctx context.Context, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "encode entity record")
	}
	if err := es.kv.Put(ctx, storage.NamespaceEntities, rec.Current.ID, data); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "persist entity record")
	}
	return nil
}
