package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditsync/cache"
	"auditsync/domain"
	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/notify"
	"auditsync/outbox"
	"auditsync/reconcile"
	"auditsync/remote"
	"auditsync/retry"
	"auditsync/storage"
	"auditsync/store"
	"auditsync/wire"
)

// fakeClient 永远成功的远端：修订号自增，按幂等键识别重复
type fakeClient struct {
	rev     int64
	pushes  int
	results map[string]*remote.PushResult
}

func newFakeClient() *fakeClient {
	return &fakeClient{results: make(map[string]*remote.PushResult)}
}

func (f *fakeClient) Push(_ context.Context, env *wire.Envelope, _ int64) (*remote.PushResult, error) {
	f.pushes++
	if res, ok := f.results[env.IdempotencyKey]; ok {
		dup := *res
		dup.Duplicate = true
		return &dup, nil
	}
	f.rev++
	res := &remote.PushResult{Revision: f.rev, Entity: env.Payload}
	f.results[env.IdempotencyKey] = res
	return res, nil
}

func (f *fakeClient) Pull(_ context.Context, _ int64) (*remote.Delta, error) {
	return &remote.Delta{NextSince: f.rev}, nil
}

type testEngine struct {
	*Engine
	es  *store.EntityStore
	ob  *outbox.Outbox
	rec *reconcile.Reconciler
	srv *fakeClient
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	ob, err := outbox.New(ctx, kv, outbox.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, logging.NewNoopLogger())
	require.NoError(t, err)
	es, err := store.NewEntityStore(ctx, kv, ob, logging.NewNoopLogger())
	require.NoError(t, err)

	srv := newFakeClient()
	snapshots := cache.NewMemoryCache(cache.DefaultConfig())
	bus := notify.NewBus(logging.NewNoopLogger())
	t.Cleanup(bus.Close)

	cfg := reconcile.DefaultConfig()
	cfg.PushRetry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: time.Millisecond}
	cfg.Logger = logging.NewNoopLogger()
	rec := reconcile.New(cfg, es, ob, srv, snapshots, bus, kv)

	eng := New(Config{Logger: logging.NewNoopLogger()}, es, ob, snapshots, rec, bus)
	return &testEngine{Engine: eng, es: es, ob: ob, rec: rec, srv: srv}
}

func auditPayload(t *testing.T, a *domain.Audit) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(a)
	require.NoError(t, err)
	return payload
}

func sampleAudit(title string) *domain.Audit {
	return &domain.Audit{
		Title:    title,
		Category: "safety",
		Sections: []domain.Section{{
			ID: "s-1",
			Items: []domain.Item{
				{ID: "i-1", Response: domain.ResponseCompliant},
				{ID: "i-2", Response: domain.ResponseUnset},
			},
		}},
		Actions: []domain.Action{{ID: "act-1", Title: "修护栏", Status: domain.ActionStatusOpen}},
	}
}

func TestSubmitMutation_Create(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	revision, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("夜班巡检")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), revision)

	audits, fromCache := e.ListAudits(ctx, domain.ListFilters{})
	require.Len(t, audits, 1)
	assert.False(t, fromCache)
	assert.Equal(t, domain.SyncStatusPendingSync, audits[0].SyncStatus)
	assert.Equal(t, 1, e.GetSyncState().PendingCount)

	// 第二次同形状查询命中列表快照
	_, fromCache = e.ListAudits(ctx, domain.ListFilters{})
	assert.True(t, fromCache)
}

func TestSubmitMutation_UpdateIgnoresPayloadBookkeeping(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("a")))
	require.NoError(t, err)
	audits, _ := e.ListAudits(ctx, domain.ListFilters{})
	id := audits[0].ID

	// 载荷试图回拨簿记字段：以仓内值为准，只接受内容变化
	tampered := audits[0].Clone()
	tampered.Title = "改名"
	tampered.LocalRevision = 99
	tampered.ServerRevision = 42
	tampered.SyncStatus = domain.SyncStatusSynced

	revision, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpUpdate, auditPayload(t, tampered))
	require.NoError(t, err)
	assert.Equal(t, int64(2), revision)

	got, status, ok := e.GetAudit(id)
	require.True(t, ok)
	assert.Equal(t, "改名", got.Title)
	assert.Equal(t, int64(0), got.ServerRevision)
	assert.Equal(t, domain.SyncStatusPendingSync, status)
}

func TestSubmitMutation_Delete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("a")))
	require.NoError(t, err)
	audits, _ := e.ListAudits(ctx, domain.ListFilters{})
	id := audits[0].ID

	revision, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpDelete, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), revision)

	_, _, ok := e.GetAudit(id)
	assert.False(t, ok, "乐观删除后对读立即不可见")
	assert.Equal(t, 2, e.GetSyncState().PendingCount, "create 与 delete 各一条待上送")

	_, err = e.SubmitMutation(ctx, wire.EntityAudit, wire.OpDelete, json.RawMessage(`{"id":"missing"}`))
	assert.True(t, syncerrors.IsValidation(err))
}

func TestSubmitMutation_Unsupported(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SubmitMutation(context.Background(), wire.EntityAudit, wire.OpProgress, json.RawMessage(`{}`))
	assert.True(t, syncerrors.IsValidation(err))
}

func TestSubmitActionProgress(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("a")))
	require.NoError(t, err)
	audits, _ := e.ListAudits(ctx, domain.ListFilters{})
	id := audits[0].ID

	_, err = e.SubmitActionProgress(ctx, wire.ActionProgress{AuditID: id, ActionID: "act-1", Progress: 40})
	require.NoError(t, err)
	got, _, _ := e.GetAudit(id)
	assert.Equal(t, 40, got.Actions[0].Progress)
	assert.Equal(t, domain.ActionStatusInProgress, got.Actions[0].Status)

	_, err = e.SubmitActionProgress(ctx, wire.ActionProgress{AuditID: id, ActionID: "act-1", Progress: 100})
	require.NoError(t, err)
	got, _, _ = e.GetAudit(id)
	assert.Equal(t, domain.ActionStatusCompleted, got.Actions[0].Status)

	// 窄变更条目挂在所属审核单队列上，维持同实体 FIFO
	entries := e.ob.EntriesFor(id)
	require.Len(t, entries, 3)
	assert.Equal(t, wire.EntityAction, entries[1].EntityType)
	assert.Equal(t, wire.OpProgress, entries[1].Operation)

	_, err = e.SubmitActionProgress(ctx, wire.ActionProgress{AuditID: id, ActionID: "ghost", Progress: 10})
	assert.True(t, syncerrors.IsValidation(err))
}

func TestSubmitActionComment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("a")))
	require.NoError(t, err)
	audits, _ := e.ListAudits(ctx, domain.ListFilters{})
	id := audits[0].ID

	_, err = e.SubmitActionComment(ctx, wire.ActionComment{AuditID: id, ActionID: "act-1", AuthorRef: "u-7", Body: "已联系供应商"})
	require.NoError(t, err)

	got, _, _ := e.GetAudit(id)
	require.Len(t, got.Actions[0].Comments, 1)
	comment := got.Actions[0].Comments[0]
	assert.NotEmpty(t, comment.ID, "引擎为留言补全 ID")
	assert.Equal(t, "u-7", comment.AuthorRef)
	assert.False(t, comment.CreatedAt.IsZero())

	// 入队载荷携带同一个留言 ID，重试不会产生第二条留言
	entries := e.ob.EntriesFor(id)
	require.Len(t, entries, 2)
	var c wire.ActionComment
	require.NoError(t, json.Unmarshal(entries[1].Payload, &c))
	assert.Equal(t, comment.ID, c.CommentID)
}

func TestEndToEndSyncCycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("a")))
	require.NoError(t, err)
	require.NoError(t, e.rec.RunCycle(ctx))

	state := e.GetSyncState()
	assert.Equal(t, 0, state.PendingCount)
	assert.Equal(t, 0, state.FailedCount)
	assert.Empty(t, state.Conflicts)
	assert.False(t, state.LastSyncAt.IsZero())
	assert.Equal(t, reconcile.PhaseIdle, state.Phase)

	audits, _ := e.ListAudits(ctx, domain.ListFilters{})
	require.Len(t, audits, 1)
	assert.Equal(t, domain.SyncStatusSynced, audits[0].SyncStatus)
	assert.Equal(t, int64(1), audits[0].ServerRevision)
}

func TestResolveConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("本地版")))
	require.NoError(t, err)
	require.NoError(t, e.rec.RunCycle(ctx))
	audits, _ := e.ListAudits(ctx, domain.ListFilters{})
	id := audits[0].ID

	remoteVersion := audits[0].Clone()
	remoteVersion.Title = "远端版"
	localCandidate := audits[0].Clone()
	localCandidate.Title = "本地候选"
	require.NoError(t, e.es.MarkConflict(ctx, remoteVersion, 5, localCandidate, "both sides changed: title"))

	state := e.GetSyncState()
	assert.Equal(t, []string{id}, state.Conflicts)

	local, stored, notice, ok := e.PendingConflict(id)
	require.True(t, ok)
	assert.Equal(t, "本地候选", local.Title)
	assert.Equal(t, "远端版", stored.Title)
	assert.Contains(t, notice, "title")

	// 冲突期间编辑被拒
	_, err = e.SubmitMutation(ctx, wire.EntityAudit, wire.OpUpdate, auditPayload(t, localCandidate))
	assert.True(t, syncerrors.IsConflict(err))

	resolved, err := e.ResolveConflict(ctx, id, store.ConflictKeepLocal)
	require.NoError(t, err)
	assert.Equal(t, "本地候选", resolved.Title)
	assert.Equal(t, domain.SyncStatusPendingSync, resolved.SyncStatus)
	assert.Equal(t, 1, e.GetSyncState().PendingCount, "选择本地后重新入队上送")

	require.NoError(t, e.rec.RunCycle(ctx))
	got, status, _ := e.GetAudit(id)
	assert.Equal(t, "本地候选", got.Title)
	assert.Equal(t, domain.SyncStatusSynced, status)
}

// TestDiscardFailed 放弃永久失败的条目：不再上送，实体队列随之清空
func TestDiscardFailed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("a")))
	require.NoError(t, err)
	audits, _ := e.ListAudits(ctx, domain.ListFilters{})
	id := audits[0].ID

	// 服务端拒收后条目停放
	entries := e.ob.EntriesFor(id)
	require.Len(t, entries, 1)
	require.NoError(t, e.ob.MarkInflight(ctx, entries[0].ID))
	require.NoError(t, e.ob.Fail(ctx, entries[0].ID, "payload rejected", true))
	require.Len(t, e.FailedEntries(), 1)

	require.NoError(t, e.DiscardFailed(ctx, entries[0].ID))
	assert.Empty(t, e.FailedEntries())
	assert.False(t, e.ob.HasPending(id))
	assert.Equal(t, 0, e.GetSyncState().FailedCount)
}

func TestStartStop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	events, cancel := e.Subscribe(16)
	defer cancel()

	require.NoError(t, e.Start(ctx))
	_, err := e.SubmitMutation(ctx, wire.EntityAudit, wire.OpCreate, auditPayload(t, sampleAudit("bg")))
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == notify.EventCycleCompleted {
				require.NoError(t, e.Stop(ctx))
				return
			}
		case <-deadline:
			t.Fatal("no cycle completed event")
		}
	}
}
