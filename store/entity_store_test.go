package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditsync/domain"
	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/outbox"
	"auditsync/storage"
	"auditsync/wire"
)

func newTestStore(t *testing.T) (*EntityStore, *outbox.Outbox, storage.IKVStore) {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	ob, err := outbox.New(ctx, kv, outbox.DefaultConfig(), logging.NewNoopLogger())
	require.NoError(t, err)
	es, err := NewEntityStore(ctx, kv, ob, logging.NewNoopLogger())
	require.NoError(t, err)
	return es, ob, kv
}

func sampleAudit(title string) *domain.Audit {
	return &domain.Audit{
		Title: title,
		Sections: []domain.Section{{
			ID: "s-1",
			Items: []domain.Item{
				{ID: "i-1", Response: domain.ResponseCompliant},
				{ID: "i-2", Response: domain.ResponseNonCompliant},
			},
		}},
	}
}

// TestEntityStore_CreateEnqueuesAtomically 创建即入队，快照与条目同时可见
func TestEntityStore_CreateEnqueuesAtomically(t *testing.T) {
	es, ob, kv := newTestStore(t)
	ctx := context.Background()

	created, err := es.Create(ctx, sampleAudit("门店巡检"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.AuditStatusDraft, created.Status)
	assert.Equal(t, domain.SyncStatusPendingSync, created.SyncStatus)
	assert.Equal(t, int64(1), created.LocalRevision)
	require.NotNil(t, created.OverallScore)
	assert.Equal(t, 50, *created.OverallScore)

	entries := ob.EntriesFor(created.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, wire.OpCreate, entries[0].Operation)

	// 两个命名空间都已落盘
	_, ok, err := kv.Get(ctx, storage.NamespaceEntities, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	pairs, err := kv.List(ctx, storage.NamespaceOutbox)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}

// TestEntityStore_ApplyMutation 本地变更：重算分数、递增修订号、入队 update
func TestEntityStore_ApplyMutation(t *testing.T) {
	es, ob, _ := newTestStore(t)
	ctx := context.Background()

	created, err := es.Create(ctx, sampleAudit("a"))
	require.NoError(t, err)

	updated, err := es.Apply(ctx, created.ID, func(a *domain.Audit) error {
		a.Sections[0].Items[1].Response = domain.ResponseCompliant
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.LocalRevision)
	require.NotNil(t, updated.OverallScore)
	assert.Equal(t, 100, *updated.OverallScore)

	entries := ob.EntriesFor(created.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, wire.OpCreate, entries[0].Operation)
	assert.Equal(t, wire.OpUpdate, entries[1].Operation)

	// 读到的是副本，外部修改不影响存储
	updated.Title = "tampered"
	got, ok := es.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "a", got.Title)
}

// TestEntityStore_OptimisticDelete 乐观删除立即不可见，可回滚
func TestEntityStore_OptimisticDelete(t *testing.T) {
	es, ob, _ := newTestStore(t)
	ctx := context.Background()

	created, err := es.Create(ctx, sampleAudit("a"))
	require.NoError(t, err)

	require.NoError(t, es.Delete(ctx, created.ID))
	_, ok := es.Get(created.ID)
	assert.False(t, ok)
	assert.Empty(t, es.List(domain.ListFilters{}))

	entries := ob.EntriesFor(created.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, wire.OpDelete, entries[1].Operation)

	// 服务端拒绝后回滚，实体重新可见
	require.NoError(t, es.RollbackDelete(ctx, created.ID))
	_, ok = es.Get(created.ID)
	assert.True(t, ok)
}

// TestEntityStore_ConflictIsTerminal 冲突实体拒绝新变更，远端确认不清除冲突
func TestEntityStore_ConflictIsTerminal(t *testing.T) {
	es, _, _ := newTestStore(t)
	ctx := context.Background()

	created, err := es.Create(ctx, sampleAudit("a"))
	require.NoError(t, err)

	localCandidate := created.Clone()
	localCandidate.Title = "local edit"
	remote := created.Clone()
	remote.Title = "remote edit"

	require.NoError(t, es.MarkConflict(ctx, remote, 7, localCandidate, "same-field edit"))

	// 新变更被拒
	_, err = es.Apply(ctx, created.ID, func(a *domain.Audit) error {
		a.Title = "another"
		return nil
	}, nil)
	require.Error(t, err)
	assert.True(t, syncerrors.IsConflict(err))

	// 远端确认不得静默清除冲突
	newer := remote.Clone()
	require.NoError(t, es.ApplyRemote(ctx, newer, 8))
	got, ok := es.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SyncStatusConflict, got.SyncStatus)

	assert.Equal(t, []string{created.ID}, es.Conflicts())

	local, stored, notice, ok := es.PendingConflict(created.ID)
	require.True(t, ok)
	assert.Equal(t, "local edit", local.Title)
	assert.Equal(t, "remote edit", stored.Title)
	assert.Equal(t, "same-field edit", notice)
}

// TestEntityStore_ResolveConflictRemote 选择远端：丢弃候选，回到 synced
func TestEntityStore_ResolveConflictRemote(t *testing.T) {
	es, ob, _ := newTestStore(t)
	ctx := context.Background()

	created, err := es.Create(ctx, sampleAudit("a"))
	require.NoError(t, err)
	local := created.Clone()
	local.Title = "local"
	remote := created.Clone()
	remote.Title = "remote"
	require.NoError(t, es.MarkConflict(ctx, remote, 5, local, "n"))

	resolved, err := es.ResolveConflict(ctx, created.ID, ConflictKeepRemote)
	require.NoError(t, err)
	assert.Equal(t, "remote", resolved.Title)
	assert.Equal(t, domain.SyncStatusSynced, resolved.SyncStatus)
	assert.Empty(t, es.Conflicts())

	// 未入队新变更（create 条目仍在）
	entries := ob.EntriesFor(created.ID)
	require.Len(t, entries, 1)
}

// TestEntityStore_ResolveConflictLocal 选择本地：候选上位并重新入队
func TestEntityStore_ResolveConflictLocal(t *testing.T) {
	es, ob, _ := newTestStore(t)
	ctx := context.Background()

	created, err := es.Create(ctx, sampleAudit("a"))
	require.NoError(t, err)
	local := created.Clone()
	local.Title = "local"
	remote := created.Clone()
	remote.Title = "remote"
	require.NoError(t, es.MarkConflict(ctx, remote, 5, local, "n"))

	resolved, err := es.ResolveConflict(ctx, created.ID, ConflictKeepLocal)
	require.NoError(t, err)
	assert.Equal(t, "local", resolved.Title)
	assert.Equal(t, domain.SyncStatusPendingSync, resolved.SyncStatus)
	assert.Equal(t, int64(5), resolved.ServerRevision)

	entries := ob.EntriesFor(created.ID)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, wire.OpUpdate, last.Operation)
	assert.Equal(t, int64(5), last.BaseRevision)

	// 冲突解除后不能重复解除
	_, err = es.ResolveConflict(ctx, created.ID, ConflictKeepRemote)
	assert.Error(t, err)
}

// TestEntityStore_ApplyRemoteAdvancesBase 远端确认推进 Base 与 ServerRevision
func TestEntityStore_ApplyRemoteAdvancesBase(t *testing.T) {
	es, _, _ := newTestStore(t)
	ctx := context.Background()

	created, err := es.Create(ctx, sampleAudit("a"))
	require.NoError(t, err)

	confirmed := created.Clone()
	confirmed.Title = "server version"
	require.NoError(t, es.ApplyRemote(ctx, confirmed, 3))

	got, ok := es.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "server version", got.Title)
	assert.Equal(t, int64(3), got.ServerRevision)
	assert.Equal(t, domain.SyncStatusSynced, got.SyncStatus)

	base, ok := es.BasePayload(created.ID)
	require.True(t, ok)
	assert.Contains(t, string(base), "server version")

	// 乱序到达的旧确认不回退修订号
	stale := confirmed.Clone()
	require.NoError(t, es.ApplyRemote(ctx, stale, 2))
	got, _ = es.Get(created.ID)
	assert.Equal(t, int64(3), got.ServerRevision)
}

// TestEntityStore_RestoreFromSnapshot 重启后从快照恢复；损坏行跳过
func TestEntityStore_RestoreFromSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	ob, err := outbox.New(ctx, kv, outbox.DefaultConfig(), logging.NewNoopLogger())
	require.NoError(t, err)

	first, err := NewEntityStore(ctx, kv, ob, logging.NewNoopLogger())
	require.NoError(t, err)
	created, err := first.Create(ctx, sampleAudit("persisted"))
	require.NoError(t, err)

	require.NoError(t, kv.Put(ctx, storage.NamespaceEntities, "broken", []byte("{not json")))

	second, err := NewEntityStore(ctx, kv, ob, logging.NewNoopLogger())
	require.NoError(t, err)
	got, ok := second.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Title)
	assert.Len(t, second.List(domain.ListFilters{}), 1)
}

// TestEntityStore_ListFilters 过滤与排序
func TestEntityStore_ListFilters(t *testing.T) {
	es, _, _ := newTestStore(t)
	ctx := context.Background()

	a1 := sampleAudit("仓库安全巡检")
	a1.Category = "safety"
	a1.Tags = []string{"q3"}
	_, err := es.Create(ctx, a1)
	require.NoError(t, err)

	a2 := sampleAudit("门店卫生检查")
	a2.Category = "hygiene"
	_, err = es.Create(ctx, a2)
	require.NoError(t, err)

	assert.Len(t, es.List(domain.ListFilters{}), 2)
	assert.Len(t, es.List(domain.ListFilters{Category: "safety"}), 1)
	assert.Len(t, es.List(domain.ListFilters{Search: "卫生"}), 1)
	assert.Len(t, es.List(domain.ListFilters{Tags: []string{"q3"}}), 1)
	assert.Empty(t, es.List(domain.ListFilters{Status: domain.AuditStatusCompleted}))
}
