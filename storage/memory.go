package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 内存实现，用于测试与示例
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Namespace]map[string][]byte
}

// NewMemoryStore 创建内存键值存储
func NewMemoryStore() *MemoryStore {
	data := make(map[Namespace]map[string][]byte, len(Namespaces))
	for _, ns := range Namespaces {
		data[ns] = make(map[string][]byte)
	}
	return &MemoryStore{data: data}
}

func (m *MemoryStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[ns][key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putUnsafe(ns, key, value)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, ns Namespace) ([]Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pairs := make([]Pair, 0, len(m.data[ns]))
	for k, v := range m.data[ns] {
		out := make([]byte, len(v))
		copy(out, v)
		pairs = append(pairs, Pair{Key: k, Value: out})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

// memoryTx 缓冲写操作，在 Update 持锁提交时一次性应用
type memoryTx struct {
	ops []func(m *MemoryStore)
}

func (t *memoryTx) Put(ns Namespace, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	t.ops = append(t.ops, func(m *MemoryStore) { m.putUnsafe(ns, key, buf) })
	return nil
}

func (t *memoryTx) Delete(ns Namespace, key string) error {
	t.ops = append(t.ops, func(m *MemoryStore) { delete(m.data[ns], key) })
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx ITx) error) error {
	tx := &memoryTx{}
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range tx.ops {
		op(m)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) putUnsafe(ns Namespace, key string, value []byte) {
	buf := make([]byte, len(value))
	copy(buf, value)
	if m.data[ns] == nil {
		m.data[ns] = make(map[string][]byte)
	}
	m.data[ns][key] = buf
}

var _ IKVStore = (*MemoryStore)(nil)
