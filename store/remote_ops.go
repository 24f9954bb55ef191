package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"auditsync/domain"
	syncerrors "auditsync/errors"
	"auditsync/outbox"
	"auditsync/score"
	"auditsync/storage"
	"auditsync/wire"
)

// Reconciler 侧的操作：服务端确认、远端变更合入、冲突标记与解除。

// ApplyRemote 合入一份服务端确认的实体状态
//
// Current 与 Base 同时替换为远端快照（Base 是后续三方比较的基准），
// ServerRevision 推进到服务端确认值。LocalRevision 保持单调：沿用本地已有值。
func (es *EntityStore) ApplyRemote(ctx context.Context, remote *domain.Audit, revision int64) error {
	if remote == nil || remote.ID == "" {
		return syncerrors.New(syncerrors.KindValidation, "nil remote audit")
	}
	es.mu.Lock()
	rec, ok := es.records[remote.ID]
	if !ok {
		rec = &record{}
		es.records[remote.ID] = rec
	}
	es.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	applied := remote.Clone()
	score.Recompute(applied)
	if rec.Current != nil {
		if rec.Current.LocalRevision > applied.LocalRevision {
			applied.LocalRevision = rec.Current.LocalRevision
		}
		if rec.Current.ServerRevision > applied.ServerRevision {
			applied.ServerRevision = rec.Current.ServerRevision
			applied.SyncVersion = rec.Current.SyncVersion
		}
		if rec.Current.SyncStatus == domain.SyncStatusConflict {
			// 冲突是终态：远端确认不得静默清除，保持冲突直至显式解除
			applied.SyncStatus = domain.SyncStatusConflict
		}
	}
	applied.AcknowledgeServer(revision)

	rec.Current = applied
	rec.Base = applied.Clone()
	rec.Deleted = false
	return es.persist(ctx, rec)
}

// ConfirmPush 服务端确认了实体的一条中间变更
//
// 同实体仍有后续本地条目待上送时使用：基准推进到确认快照、
// 修订号前移，但不触碰领先于服务端的本地 Current。
func (es *EntityStore) ConfirmPush(ctx context.Context, id string, confirmed *domain.Audit, revision int64) error {
	if confirmed == nil || confirmed.ID == "" {
		return syncerrors.New(syncerrors.KindValidation, "nil confirmed audit")
	}
	es.mu.Lock()
	rec, ok := es.records[id]
	if !ok {
		rec = &record{}
		es.records[id] = rec
	}
	es.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	base := confirmed.Clone()
	score.Recompute(base)
	base.AcknowledgeServer(revision)
	rec.Base = base
	if rec.Current != nil && revision > rec.Current.ServerRevision {
		rec.Current.ServerRevision = revision
		rec.Current.SyncVersion = revision
	}
	return es.persist(ctx, rec)
}

// AckedRevision 实体最近确认的服务端修订号（含墓碑与冲突实体）
func (es *EntityStore) AckedRevision(id string) (int64, bool) {
	es.mu.RLock()
	rec, ok := es.records[id]
	es.mu.RUnlock()
	if !ok {
		return 0, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.Current == nil {
		return 0, false
	}
	return rec.Current.ServerRevision, true
}

// RemoveConfirmed 服务端确认删除后彻底移除实体
func (es *EntityStore) RemoveConfirmed(ctx context.Context, id string) error {
	es.mu.Lock()
	delete(es.records, id)
	es.mu.Unlock()
	if err := es.kv.Delete(ctx, storage.NamespaceEntities, id); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "remove entity record")
	}
	return nil
}

// MarkConflict 标记同字段冲突
//
// 远端版本成为存储值（Current 与 Base），本地候选进入侧缓冲供用户比对；
// 状态置为 conflict，直到调用方显式解除。
func (es *EntityStore) MarkConflict(ctx context.Context, remote *domain.Audit, revision int64, localCandidate *domain.Audit, notice string) error {
	if remote == nil || remote.ID == "" {
		return syncerrors.New(syncerrors.KindValidation, "nil remote audit")
	}
	es.mu.Lock()
	rec, ok := es.records[remote.ID]
	if !ok {
		rec = &record{}
		es.records[remote.ID] = rec
	}
	es.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	stored := remote.Clone()
	score.Recompute(stored)
	if rec.Current != nil && rec.Current.LocalRevision > stored.LocalRevision {
		stored.LocalRevision = rec.Current.LocalRevision
	}
	if revision > stored.ServerRevision {
		stored.ServerRevision = revision
		stored.SyncVersion = revision
	}
	stored.SyncStatus = domain.SyncStatusConflict

	rec.Current = stored
	rec.Base = stored.Clone()
	rec.ConflictLocal = localCandidate.Clone()
	rec.ConflictNotice = notice
	rec.Deleted = false
	return es.persist(ctx, rec)
}

// ConflictVersion 冲突解除时的选择
type ConflictVersion string

const (
	// ConflictKeepRemote 保留服务端版本，丢弃本地候选
	ConflictKeepRemote ConflictVersion = "remote"

	// ConflictKeepLocal 以本地候选覆盖，并重新入队上送
	ConflictKeepLocal ConflictVersion = "local"
)

// ResolveConflict 显式解除冲突（引擎唯一的冲突出口）
//
// 选择 local 时，本地候选成为当前值并作为一条新的 update 变更入队；
// 选择 remote 时，侧缓冲被丢弃，状态回到 synced。
func (es *EntityStore) ResolveConflict(ctx context.Context, id string, choice ConflictVersion) (*domain.Audit, error) {
	rec, err := es.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.Current.SyncStatus != domain.SyncStatusConflict {
		return nil, syncerrors.Newf(syncerrors.KindValidation, "audit %s is not in conflict", id)
	}

	switch choice {
	case ConflictKeepRemote:
		rec.Current.SyncStatus = domain.SyncStatusSynced
		rec.ConflictLocal = nil
		rec.ConflictNotice = ""
		if err := es.persist(ctx, rec); err != nil {
			return nil, err
		}
		return rec.Current.Clone(), nil

	case ConflictKeepLocal:
		if rec.ConflictLocal == nil {
			return nil, syncerrors.Newf(syncerrors.KindValidation, "audit %s has no local candidate", id)
		}
		next := rec.ConflictLocal.Clone()
		next.ID = id
		next.ServerRevision = rec.Current.ServerRevision
		next.SyncVersion = rec.Current.SyncVersion
		next.LocalRevision = rec.Current.LocalRevision
		next.SyncStatus = domain.SyncStatusSynced // TouchLocal 置回 pending_sync
		score.Recompute(next)
		next.TouchLocal(time.Now())

		payload, err := wire.EncodeAudit(next)
		if err != nil {
			return nil, err
		}
		entry := outbox.NewEntry(wire.EntityAudit, id, wire.OpUpdate, payload, next.ServerRevision)

		prevCurrent, prevLocal, prevNotice := rec.Current, rec.ConflictLocal, rec.ConflictNotice
		rec.Current = next
		rec.ConflictLocal = nil
		rec.ConflictNotice = ""
		if err := es.persistWithEntry(ctx, rec, entry); err != nil {
			rec.Current, rec.ConflictLocal, rec.ConflictNotice = prevCurrent, prevLocal, prevNotice
			return nil, err
		}
		return next.Clone(), nil

	default:
		return nil, syncerrors.Newf(syncerrors.KindValidation, "unknown conflict choice %q", choice)
	}
}

// BasePayload 返回三方比较基准（最近服务端确认快照）的报文编码
func (es *EntityStore) BasePayload(id string) (json.RawMessage, bool) {
	es.mu.RLock()
	rec, ok := es.records[id]
	es.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.Base == nil {
		return nil, false
	}
	payload, err := wire.EncodeAudit(rec.Base)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// PendingConflict 读取冲突双方供用户比对
func (es *EntityStore) PendingConflict(id string) (local, remote *domain.Audit, notice string, ok bool) {
	es.mu.RLock()
	rec, found := es.records[id]
	es.mu.RUnlock()
	if !found {
		return nil, nil, "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.Current == nil || rec.Current.SyncStatus != domain.SyncStatusConflict {
		return nil, nil, "", false
	}
	return rec.ConflictLocal.Clone(), rec.Current.Clone(), rec.ConflictNotice, true
}

// Conflicts 当前处于冲突状态的实体 ID，升序
func (es *EntityStore) Conflicts() []string {
	es.mu.RLock()
	recs := make(map[string]*record, len(es.records))
	for id, rec := range es.records {
		recs[id] = rec
	}
	es.mu.RUnlock()

	var out []string
	for id, rec := range recs {
		rec.mu.Lock()
		if rec.Current != nil && rec.Current.SyncStatus == domain.SyncStatusConflict {
			out = append(out, id)
		}
		rec.mu.Unlock()
	}
	sort.Strings(out)
	return out
}
