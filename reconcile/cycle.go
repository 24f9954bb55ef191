package reconcile

import (
	"context"
	"errors"
	"time"

	"auditsync/cache"
	"auditsync/conflict"
	"auditsync/domain"
	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/notify"
	"auditsync/outbox"
	"auditsync/remote"
	"auditsync/retry"
	"auditsync/wire"
)

// cycleResult 一个周期的统计与触达集合
type cycleResult struct {
	pushed  int
	pulled  int
	touched map[string]struct{}

	// transientFailures 本周期内遭遇瞬态失败的条目数；非零时判定连接不稳
	transientFailures int
}

func (c *cycleResult) touch(entityID string) {
	if c.touched == nil {
		c.touched = make(map[string]struct{})
	}
	c.touched[entityID] = struct{}{}
}

// RunCycle 执行一个完整同步周期
//
// 串行：并发调用时后来者直接拿不到周期锁而排队。掉线或中途取消时
// 在途条目回到 pending（幂等键保证重试安全），阶段置为 Paused。
func (r *Reconciler) RunCycle(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	if !r.online.Load() {
		r.setPhase(PhasePaused)
		return nil
	}

	r.publish(notify.Event{Type: notify.EventCycleStarted})
	result := &cycleResult{}

	r.setPhase(PhaseDraining)
	if err := r.drain(ctx, result); err != nil {
		r.pause(ctx, result, err)
		return err
	}
	if result.transientFailures > 0 {
		// 推送阶段已经观察到连接不稳，本周期不再发起拉取
		r.pause(ctx, result, nil)
		return nil
	}

	r.setPhase(PhasePulling)
	if err := r.pull(ctx, result); err != nil {
		r.pause(ctx, result, err)
		return err
	}

	r.setPhase(PhaseMerging)
	r.merge(ctx, result)

	r.lastSyncAt.Store(time.Now())
	r.setPhase(PhaseIdle)
	r.publish(notify.Event{
		Type:   notify.EventCycleCompleted,
		Pushed: result.pushed,
		Pulled: result.pulled,
	})
	return nil
}

func (r *Reconciler) pause(ctx context.Context, result *cycleResult, err error) {
	// 中断前把已经合入的远端状态刷进缓存，避免展示层回退
	r.merge(ctx, result)
	r.setPhase(PhasePaused)
	detail := "connectivity unstable"
	if err != nil {
		detail = err.Error()
	}
	r.publish(notify.Event{Type: notify.EventPaused, Detail: detail})
}

// drain 逐实体按序上送 Outbox 条目
func (r *Reconciler) drain(ctx context.Context, result *cycleResult) error {
	for {
		entry := r.ob.PeekNext(time.Now())
		if entry == nil {
			return nil
		}
		if err := r.ob.MarkInflight(ctx, entry.ID); err != nil {
			return err
		}

		if err := r.pushEntry(ctx, entry, result); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				_ = r.ob.Release(context.WithoutCancel(ctx), entry.ID)
				return err
			}
			return err
		}
	}
}

// pushEntry 上送单个条目并处理结果，条目在本函数内必然落定
// （ack、退避重排、永久停放或冲突裁决），否则返回不可恢复错误。
func (r *Reconciler) pushEntry(ctx context.Context, entry *outbox.Entry, result *cycleResult) error {
	env := envelopeFor(entry)
	// 期望修订号取入队基准与最近确认值中较新者：同实体的批量条目
	// 在前序条目确认后，服务端修订号已经前移
	expected := entry.BaseRevision
	if rev, ok := r.store.AckedRevision(entry.EntityID); ok && rev > expected {
		expected = rev
	}
	pushResult, err := r.pushWithRetry(ctx, env, expected)
	if err != nil {
		return r.settleFailure(ctx, entry, err, result)
	}
	if pushResult.Conflict != nil {
		return r.settleConflict(ctx, entry, env, pushResult.Conflict, result)
	}
	return r.settleSuccess(ctx, entry, pushResult, result)
}

func (r *Reconciler) pushWithRetry(ctx context.Context, env *wire.Envelope, expectedRevision int64) (*remote.PushResult, error) {
	var pushResult *remote.PushResult
	err := retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.client.Push(ctx, env, expectedRevision)
		if err != nil {
			if syncerrors.IsTransient(err) {
				return err
			}
			return retry.Abort(err)
		}
		pushResult = res
		return nil
	}, r.cfg.PushRetry)
	if err != nil {
		return nil, err
	}
	return pushResult, nil
}

// settleSuccess 服务端确认：合入确认状态并 ack 条目
//
// 重复投递（丢失 ack 后的重试）与首次成功走同一条路径：
// 服务端按幂等键识别重复，返回的修订号与实体就是当前确认状态。
func (r *Reconciler) settleSuccess(ctx context.Context, entry *outbox.Entry, pushResult *remote.PushResult, result *cycleResult) error {
	switch {
	case entry.Operation == wire.OpDelete:
		if err := r.store.RemoveConfirmed(ctx, entry.EntityID); err != nil {
			return err
		}
		r.invalidateEntity(ctx, entry.EntityID)
		if err := r.ob.Ack(ctx, entry.ID); err != nil {
			return err
		}

	case entry.EntityType == wire.EntityAudit:
		confirmed, err := r.confirmedAudit(entry, pushResult)
		if err != nil {
			// 响应损坏：破坏性最小的处理是留在队首退避重试
			return r.settleFailure(ctx, entry, err, result)
		}
		if err := r.ob.Ack(ctx, entry.ID); err != nil {
			return err
		}
		if r.ob.HasPending(entry.EntityID) {
			// 同实体还有后续条目在队：只推进基准与修订号，
			// 保留领先于服务端的本地 Current
			err = r.store.ConfirmPush(ctx, entry.EntityID, confirmed, pushResult.Revision)
		} else {
			err = r.store.ApplyRemote(ctx, confirmed, pushResult.Revision)
		}
		if err != nil {
			return err
		}
		result.touch(entry.EntityID)

	default:
		// 窄变更（整改进度、留言）：本地聚合已含该变更，确认后直接落定；
		// 其他设备的并发改动随后续拉取合入
		if err := r.ob.Ack(ctx, entry.ID); err != nil {
			return err
		}
		if !r.ob.HasPending(entry.EntityID) {
			if audit, ok := r.store.Get(entry.EntityID); ok {
				if err := r.store.ApplyRemote(ctx, audit, pushResult.Revision); err != nil {
					return err
				}
				result.touch(entry.EntityID)
			}
		}
	}
	result.pushed++
	r.publish(notify.Event{Type: notify.EventEntitySynced, EntityID: entry.EntityID})
	return nil
}

// confirmedAudit 从上送响应恢复确认实体；响应未携带实体时退回条目载荷
func (r *Reconciler) confirmedAudit(entry *outbox.Entry, pushResult *remote.PushResult) (*domain.Audit, error) {
	if len(pushResult.Entity) > 0 {
		return wire.DecodeAudit(pushResult.Entity)
	}
	return wire.DecodeAudit(entry.Payload)
}

// settleFailure 按错误类别落定失败条目
func (r *Reconciler) settleFailure(ctx context.Context, entry *outbox.Entry, pushErr error, result *cycleResult) error {
	if errors.Is(pushErr, context.Canceled) || errors.Is(pushErr, context.DeadlineExceeded) {
		return pushErr
	}

	if syncerrors.IsTransient(pushErr) {
		result.transientFailures++
		return r.ob.Fail(ctx, entry.ID, pushErr.Error(), false)
	}

	// 永久失败：delete 被拒时回滚乐观删除，恢复本地可见性
	if entry.Operation == wire.OpDelete {
		if err := r.store.RollbackDelete(ctx, entry.EntityID); err != nil {
			r.logger.Error(ctx, "rollback optimistic delete failed",
				logging.String("entity_id", entry.EntityID), logging.Error(err))
		}
	}
	if err := r.ob.Fail(ctx, entry.ID, pushErr.Error(), true); err != nil {
		return err
	}
	r.publish(notify.Event{
		Type:     notify.EventEntryFailed,
		EntityID: entry.EntityID,
		Detail:   pushErr.Error(),
	})
	r.logger.Warn(ctx, "outbox entry failed permanently",
		logging.String("entity_id", entry.EntityID),
		logging.String("operation", string(entry.Operation)),
		logging.Error(pushErr))
	return nil
}

// settleConflict 版本不匹配：三方裁决后执行结论
func (r *Reconciler) settleConflict(ctx context.Context, entry *outbox.Entry, env *wire.Envelope, info *remote.ConflictInfo, result *cycleResult) error {
	base, _ := r.store.BasePayload(entry.EntityID)
	resolution, err := conflict.Resolve(conflict.Input{
		Base:          base,
		Local:         entry.Payload,
		Remote:        info.CurrentEntity,
		LocalDeleted:  entry.Operation == wire.OpDelete,
		RemoteDeleted: info.Deleted,
	})
	if err != nil {
		return r.settleFailure(ctx, entry, err, result)
	}

	switch {
	case resolution.RequiresManualReview:
		return r.flagManualConflict(ctx, entry, info, resolution, result)

	case resolution.Winner == conflict.WinnerMerged:
		return r.pushResolved(ctx, entry, resolution.Merged, info.CurrentRevision, result)

	case resolution.Winner == conflict.WinnerLocal:
		// 远端相对基准无实质改动（或本地删除占优）：以服务端当前修订号重送。
		// 本地删除压过远端并发编辑时属于删除占优，执行前先上报通告
		if resolution.Notice != "" {
			r.publish(notify.Event{
				Type:     notify.EventConflictDetected,
				EntityID: entry.EntityID,
				Detail:   resolution.Notice,
			})
		}
		return r.pushResolved(ctx, entry, entry.Payload, info.CurrentRevision, result)

	case info.Deleted:
		// 远端删除占优：本地编辑被放弃，以通告上报而非静默执行
		if err := r.store.RemoveConfirmed(ctx, entry.EntityID); err != nil {
			return err
		}
		if err := r.ob.DropEntity(ctx, entry.EntityID); err != nil {
			return err
		}
		r.invalidateEntity(ctx, entry.EntityID)
		r.publish(notify.Event{
			Type:     notify.EventConflictDetected,
			EntityID: entry.EntityID,
			Detail:   resolution.Notice,
		})
		return nil

	default:
		// 本地相对基准无实质改动：合入远端即可，条目作废
		confirmed, err := wire.DecodeAudit(info.CurrentEntity)
		if err != nil {
			return r.settleFailure(ctx, entry, err, result)
		}
		if err := r.store.ApplyRemote(ctx, confirmed, info.CurrentRevision); err != nil {
			return err
		}
		if err := r.ob.Ack(ctx, entry.ID); err != nil {
			return err
		}
		result.touch(entry.EntityID)
		return nil
	}
}

// pushResolved 以服务端当前修订号重送裁决后的载荷
//
// 幂等键沿用原条目：首次上送并未被服务端应用（409 即拒绝），键未被消费。
func (r *Reconciler) pushResolved(ctx context.Context, entry *outbox.Entry, payload []byte, currentRevision int64, result *cycleResult) error {
	env := envelopeFor(entry)
	env.Payload = payload

	pushResult, err := r.pushWithRetry(ctx, env, currentRevision)
	if err != nil {
		return r.settleFailure(ctx, entry, err, result)
	}
	if pushResult.Conflict != nil {
		// 裁决窗口内服务端又前进了：放回队列，下个周期重新裁决
		result.transientFailures++
		return r.ob.Release(ctx, entry.ID)
	}
	return r.settleSuccess(ctx, entry, pushResult, result)
}

// flagManualConflict 同字段碰撞：远端入库、本地入侧缓冲，等待显式解除
func (r *Reconciler) flagManualConflict(ctx context.Context, entry *outbox.Entry, info *remote.ConflictInfo, resolution conflict.Resolution, result *cycleResult) error {
	remoteAudit, err := wire.DecodeAudit(info.CurrentEntity)
	if err != nil {
		return r.settleFailure(ctx, entry, err, result)
	}
	localCandidate, err := wire.DecodeAudit(entry.Payload)
	if err != nil {
		if current, ok := r.store.Get(entry.EntityID); ok {
			localCandidate = current
		} else {
			return r.settleFailure(ctx, entry, err, result)
		}
	}

	if err := r.store.MarkConflict(ctx, remoteAudit, info.CurrentRevision, localCandidate, resolution.Notice); err != nil {
		return err
	}
	// 该实体的后续排队变更都基于已冲突的本地线，一并作废；
	// 解除冲突选择本地时会重新入队一条合并后的 update。
	if err := r.ob.DropEntity(ctx, entry.EntityID); err != nil {
		return err
	}
	result.touch(entry.EntityID)
	r.publish(notify.Event{
		Type:     notify.EventConflictDetected,
		EntityID: entry.EntityID,
		Detail:   resolution.Notice,
	})
	r.logger.Info(ctx, "conflict flagged for manual review",
		logging.String("entity_id", entry.EntityID),
		logging.String("notice", resolution.Notice))
	return nil
}

// pull 从检查点拉取服务端增量
func (r *Reconciler) pull(ctx context.Context, result *cycleResult) error {
	checkpoint := r.loadCheckpoint(ctx)

	for page := 0; page < r.cfg.MaxPullPages; page++ {
		delta, err := r.client.Pull(ctx, checkpoint)
		if err != nil {
			if syncerrors.IsTransient(err) {
				result.transientFailures++
				return nil
			}
			return err
		}

		for _, change := range delta.Changes {
			if change.EntityType != wire.EntityAudit {
				continue
			}
			// 本地还有未确认变更的实体：跳过，待下轮 Draining 重新对账，
			// 避免远端快照覆盖在途的本地编辑
			if r.ob.HasPending(change.EntityID) {
				continue
			}
			if err := r.applyChange(ctx, change); err != nil {
				r.logger.Warn(ctx, "skip malformed remote change",
					logging.String("entity_id", change.EntityID), logging.Error(err))
				continue
			}
			result.touch(change.EntityID)
			result.pulled++
		}

		if delta.NextSince > checkpoint {
			checkpoint = delta.NextSince
			r.saveCheckpoint(ctx, checkpoint)
		}
		if !delta.HasMore {
			return nil
		}
	}
	r.logger.Warn(ctx, "pull page limit reached, remainder deferred to next cycle",
		logging.Int("max_pages", r.cfg.MaxPullPages))
	return nil
}

func (r *Reconciler) applyChange(ctx context.Context, change remote.Change) error {
	if change.Deleted {
		if err := r.store.RemoveConfirmed(ctx, change.EntityID); err != nil {
			return err
		}
		r.invalidateEntity(ctx, change.EntityID)
		return nil
	}
	audit, err := wire.DecodeAudit(change.Entity)
	if err != nil {
		return err
	}
	return r.store.ApplyRemote(ctx, audit, change.Revision)
}

// merge 刷新触达实体的缓存快照，并整体失效列表快照
func (r *Reconciler) merge(ctx context.Context, result *cycleResult) {
	if r.cache == nil || len(result.touched) == 0 {
		return
	}
	for entityID := range result.touched {
		audit, ok := r.store.Get(entityID)
		if !ok {
			continue
		}
		payload, err := wire.EncodeAudit(audit)
		if err != nil {
			continue
		}
		if err := r.cache.Put(ctx, cache.EntityKey(string(wire.EntityAudit), entityID), payload); err != nil {
			r.logger.Warn(ctx, "refresh entity snapshot failed",
				logging.String("entity_id", entityID), logging.Error(err))
		}
	}
	if err := r.cache.InvalidatePrefix(ctx, cache.ListKeyPrefix(string(wire.EntityAudit))); err != nil {
		r.logger.Warn(ctx, "invalidate list snapshots failed", logging.Error(err))
	}
}

func (r *Reconciler) invalidateEntity(ctx context.Context, entityID string) {
	if r.cache == nil {
		return
	}
	_ = r.cache.Invalidate(ctx, cache.EntityKey(string(wire.EntityAudit), entityID))
}

// envelopeFor 重建条目的同步信封；幂等键即条目 ID，跨重试稳定
func envelopeFor(entry *outbox.Entry) *wire.Envelope {
	return &wire.Envelope{
		SchemaVersion:  wire.SchemaVersion,
		EntityType:     entry.EntityType,
		Operation:      entry.Operation,
		EntityID:       entry.EntityID,
		Revision:       entry.BaseRevision,
		IdempotencyKey: entry.ID,
		IssuedAt:       entry.CreatedAt,
		Payload:        entry.Payload,
	}
}
