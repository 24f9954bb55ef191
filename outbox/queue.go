package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/storage"
)

// Outbox 每实体 FIFO 的变更队列，经由键值存储落盘
type Outbox struct {
	mu  sync.Mutex
	kv  storage.IKVStore
	cfg Config
	log logging.Logger

	// queues 按实体组织的 FIFO；index 按条目 ID 的全局索引
	queues map[string][]*Entry
	index  map[string]*Entry
	seq    int64
}

// New 创建 Outbox 并从持久化存储恢复
//
// 损坏的行跳过并告警，不阻止其余条目恢复；崩溃时遗留的 inflight
// 条目重置为 pending（幂等键保证重试安全）。
func New(ctx context.Context, kv storage.IKVStore, cfg Config, logger logging.Logger) (*Outbox, error) {
	if logger == nil {
		logger = logging.ComponentLogger("outbox")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	o := &Outbox{
		kv:     kv,
		cfg:    cfg,
		log:    logger,
		queues: make(map[string][]*Entry),
		index:  make(map[string]*Entry),
	}

	pairs, err := kv.List(ctx, storage.NamespaceOutbox)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindCorruption, "restore outbox")
	}
	for _, p := range pairs {
		var e Entry
		if err := json.Unmarshal(p.Value, &e); err != nil {
			o.log.Warn(ctx, "outbox entry corrupted, dropping", logging.String("key", p.Key), logging.Error(err))
			_ = kv.Delete(ctx, storage.NamespaceOutbox, p.Key)
			continue
		}
		if e.Status == StatusInflight {
			e.Status = StatusPending
		}
		o.queues[e.EntityID] = append(o.queues[e.EntityID], &e)
		o.index[e.ID] = &e
		if e.Seq > o.seq {
			o.seq = e.Seq
		}
	}
	// 键序即 Seq 序，但防御排序一次（跨实体的 List 结果已有序，实体内同样有序）
	for id := range o.queues {
		q := o.queues[id]
		sort.Slice(q, func(i, j int) bool { return q[i].Seq < q[j].Seq })
	}
	return o, nil
}

// Stage 为条目分配序号并返回持久化键值
//
// 调用方把返回的键值与对应的实体快照写进同一个事务（原子单元），
// 提交成功后必须调用 Commit 将条目纳入内存索引。
func (o *Outbox) Stage(e *Entry) (key string, value []byte, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	e.Seq = o.seq
	if e.Status == "" {
		e.Status = StatusPending
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", nil, syncerrors.Wrap(err, syncerrors.KindInternal, "encode outbox entry")
	}
	return e.key(), data, nil
}

// Commit 事务提交成功后登记条目
func (o *Outbox) Commit(e *Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queues[e.EntityID] = append(o.queues[e.EntityID], e)
	o.index[e.ID] = e
}

// Enqueue 独立入队（无实体快照共写时使用）
func (o *Outbox) Enqueue(ctx context.Context, e *Entry) (string, error) {
	key, value, err := o.Stage(e)
	if err != nil {
		return "", err
	}
	if err := o.kv.Put(ctx, storage.NamespaceOutbox, key, value); err != nil {
		return "", syncerrors.Wrap(err, syncerrors.KindInternal, "persist outbox entry")
	}
	o.Commit(e)
	return e.ID, nil
}

// PeekNext 取出下一条可上送的变更（不改变状态）
//
// 规则：
//   - 每实体只看队首，保证实体内 FIFO
//   - 队首 inflight 或 failed 的实体整体跳过（在途未落定 / 永久失败待处置）
//   - 退避窗口未到的条目跳过
//   - 多个可上送实体之间取最早入队的
func (o *Outbox) PeekNext(now time.Time) *Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var best *Entry
	for _, q := range o.queues {
		if len(q) == 0 {
			continue
		}
		head := q[0]
		if head.Status != StatusPending {
			continue
		}
		if !head.NextAttemptAt.IsZero() && head.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || head.Seq < best.Seq {
			best = head
		}
	}
	if best == nil {
		return nil
	}
	return best.clone()
}

// MarkInflight 标记条目为在途
func (o *Outbox) MarkInflight(ctx context.Context, id string) error {
	return o.mutate(ctx, id, func(e *Entry) {
		e.Status = StatusInflight
	})
}

// Release 在途条目放回队列（同步周期被取消时）
func (o *Outbox) Release(ctx context.Context, id string) error {
	return o.mutate(ctx, id, func(e *Entry) {
		if e.Status == StatusInflight {
			e.Status = StatusPending
		}
	})
}

// Ack 确认条目已被服务端应用，从队列中销毁
func (o *Outbox) Ack(ctx context.Context, id string) error {
	o.mu.Lock()
	e, ok := o.index[id]
	if !ok {
		o.mu.Unlock()
		return syncerrors.Newf(syncerrors.KindInternal, "outbox entry %s not found", id)
	}
	key := e.key()
	o.removeUnsafe(e)
	o.mu.Unlock()

	if err := o.kv.Delete(ctx, storage.NamespaceOutbox, key); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "delete acked outbox entry")
	}
	return nil
}

// Fail 记录一次失败
//
// 瞬时失败：条目原地退避重试，仍占据实体队首；
// 永久失败：条目转入 failed，上报调用方处置，不阻塞其他实体的队列。
func (o *Outbox) Fail(ctx context.Context, id string, cause string, permanent bool) error {
	now := time.Now()
	return o.mutate(ctx, id, func(e *Entry) {
		e.AttemptCount++
		e.LastError = cause
		if permanent {
			e.Status = StatusFailed
			return
		}
		e.Status = StatusPending
		e.NextAttemptAt = e.nextBackoff(o.cfg, now)
	})
}

// RetryFailed 将永久失败的条目重新置为待上送（调用方修正载荷后使用）
func (o *Outbox) RetryFailed(ctx context.Context, id string) error {
	return o.mutate(ctx, id, func(e *Entry) {
		if e.Status == StatusFailed {
			e.Status = StatusPending
			e.NextAttemptAt = time.Time{}
		}
	})
}

// Drop 丢弃单条条目
func (o *Outbox) Drop(ctx context.Context, id string) error {
	o.mu.Lock()
	e, ok := o.index[id]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	key := e.key()
	o.removeUnsafe(e)
	o.mu.Unlock()
	return o.kv.Delete(ctx, storage.NamespaceOutbox, key)
}

// DropEntity 丢弃实体的全部排队变更（冲突落定后由解析路径重新入队）
func (o *Outbox) DropEntity(ctx context.Context, entityID string) error {
	o.mu.Lock()
	q := o.queues[entityID]
	keys := make([]string, 0, len(q))
	for _, e := range q {
		keys = append(keys, e.key())
		delete(o.index, e.ID)
	}
	delete(o.queues, entityID)
	o.mu.Unlock()

	for _, key := range keys {
		if err := o.kv.Delete(ctx, storage.NamespaceOutbox, key); err != nil {
			return syncerrors.Wrap(err, syncerrors.KindInternal, "drop entity outbox entries")
		}
	}
	return nil
}

// EntriesFor 返回实体的排队变更副本，按入队序
func (o *Outbox) EntriesFor(entityID string) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[entityID]
	out := make([]Entry, 0, len(q))
	for _, e := range q {
		out = append(out, *e.clone())
	}
	return out
}

// HasPending 实体是否还有未落定的变更
func (o *Outbox) HasPending(entityID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[entityID]) > 0
}

// PendingCount 未落定条目总数（pending + inflight）
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, q := range o.queues {
		for _, e := range q {
			if e.Status == StatusPending || e.Status == StatusInflight {
				n++
			}
		}
	}
	return n
}

// FailedEntries 返回全部永久失败条目的副本
func (o *Outbox) FailedEntries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Entry
	for _, q := range o.queues {
		for _, e := range q {
			if e.Status == StatusFailed {
				out = append(out, *e.clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (o *Outbox) mutate(ctx context.Context, id string, fn func(e *Entry)) error {
	o.mu.Lock()
	e, ok := o.index[id]
	if !ok {
		o.mu.Unlock()
		return syncerrors.Newf(syncerrors.KindInternal, "outbox entry %s not found", id)
	}
	fn(e)
	data, err := json.Marshal(e)
	key := e.key()
	o.mu.Unlock()

	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "encode outbox entry")
	}
	if err := o.kv.Put(ctx, storage.NamespaceOutbox, key, data); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "persist outbox entry")
	}
	return nil
}

// removeUnsafe 需要持锁调用
func (o *Outbox) removeUnsafe(e *Entry) {
	delete(o.index, e.ID)
	q := o.queues[e.EntityID]
	for i, cur := range q {
		if cur.ID == e.ID {
			o.queues[e.EntityID] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(o.queues[e.EntityID]) == 0 {
		delete(o.queues, e.EntityID)
	}
}
