// Package cache 提供实体与列表快照的读穿缓存层
//
// 设计原则：
// 1. 快照导向 - 缓存的是编码后的只读快照（[]byte），不共享可变状态
// 2. 新鲜度显式 - Get 区分"新鲜命中"与"过期但仍可用"，离线时允许回退到陈旧快照
// 3. 容量管理 - 防止 OOM，自动 LRU 驱逐
// 4. 并发安全 - 使用 RWMutex 保护
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"auditsync/logging"
	"auditsync/storage"
)

// DefaultTTL 快照的默认新鲜期
const DefaultTTL = 5 * time.Minute

// ISnapshotCache 快照缓存抽象
//
// 实现可为进程内 LRU（默认）或共享 Redis（多副本部署）。
// Get 的三个返回值：
//   - value: 快照内容
//   - fresh: 是否仍在 TTL 内；false 表示应从存储重读，但值仍可作降级兜底
//   - ok:    键是否存在
type ISnapshotCache interface {
	Get(ctx context.Context, key string) (value []byte, fresh bool, ok bool)
	Put(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
}

// EntityKey 单实体快照的缓存键
func EntityKey(entityType, id string) string {
	return fmt.Sprintf("entity:%s:%s", entityType, id)
}

// ListKey 列表快照的缓存键（过滤条件已规范化）
func ListKey(entityType, filterKey string) string {
	return fmt.Sprintf("list:%s:%s", entityType, filterKey)
}

// ListKeyPrefix 某一实体类型全部列表快照的键前缀，用于同步后整体失效
func ListKeyPrefix(entityType string) string {
	return fmt.Sprintf("list:%s:", entityType)
}

// GetOrFetch 读穿：新鲜快照直接命中，否则经 loader 取最新值并回填
//
// loader 失败时退回过期快照兜底（离线读取场景）；回填失败只降级不报错，
// 缓存故障绝不阻塞读取。返回的 hit 表示值来自缓存而非 loader。
func GetOrFetch(ctx context.Context, c ISnapshotCache, key string, loader func(ctx context.Context) ([]byte, error)) (value []byte, hit bool, err error) {
	var stale []byte
	if c != nil {
		if cached, fresh, ok := c.Get(ctx, key); ok {
			if fresh {
				return cached, true, nil
			}
			stale = cached
		}
	}

	loaded, err := loader(ctx)
	if err != nil {
		if stale != nil {
			return stale, true, nil
		}
		return nil, false, err
	}
	if c != nil {
		_ = c.Put(ctx, key, loaded)
	}
	return loaded, false, nil
}

// Config 缓存配置
type Config struct {
	// Name 缓存名称（用于日志和统计）
	Name string

	// MaxSize 最大缓存条目数，0 表示无限制（不推荐）
	MaxSize int

	// TTL 快照新鲜期，基于写入时间；0 取 DefaultTTL
	TTL time.Duration
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Name:    "snapshots",
		MaxSize: 4096,
		TTL:     DefaultTTL,
	}
}

// Stats 缓存统计信息
type Stats struct {
	Hits      int64 // 新鲜命中次数
	Stale     int64 // 过期命中次数（值仍返回）
	Misses    int64 // 未命中次数
	Evictions int64 // LRU 驱逐次数
	Size      int   // 当前条目数
}

// MemoryCache 进程内快照缓存
//
// 核心特性：
// - LRU 驱逐：超过容量时自动删除最久未使用的条目
// - 写入时间 TTL：过期条目不删除，降级为陈旧命中，直到被覆盖或驱逐
// - 并发安全：RWMutex 保护
// - 可选持久化：注入 IKVStore 后写入与失效同步镜像到 cache 命名空间
type MemoryCache struct {
	name   string
	config Config

	items   map[string]*entry
	lruList *list.List

	kv  storage.IKVStore
	log logging.Logger

	mu    sync.Mutex
	stats Stats
}

type entry struct {
	key        string
	value      []byte
	storedAt   time.Time
	lruElement *list.Element
}

// persistedEntry cache 命名空间中一行的编码：值与写入时间一起落盘，
// 重启后的 TTL 判定仍以原始写入时间为准
type persistedEntry struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// NewMemoryCache 创建进程内快照缓存
func NewMemoryCache(config Config) *MemoryCache {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &MemoryCache{
		name:    config.Name,
		config:  config,
		items:   make(map[string]*entry),
		lruList: list.New(),
		log:     logging.NewNoopLogger(),
	}
}

// NewPersistentCache 创建带持久化镜像的快照缓存
//
// 内存态仍是唯一的读路径；kv 只作为跨重启的兜底副本。恢复时逐行
// 读回 cache 命名空间，损坏的行删除并跳过，恢复失败从不致命 ——
// 最坏情形是一个空缓存，首次读取重新回填。
func NewPersistentCache(ctx context.Context, config Config, kv storage.IKVStore, logger logging.Logger) *MemoryCache {
	c := NewMemoryCache(config)
	c.kv = kv
	if logger != nil {
		c.log = logger
	} else {
		c.log = logging.ComponentLogger("cache")
	}

	pairs, err := kv.List(ctx, storage.NamespaceCache)
	if err != nil {
		c.log.Warn(ctx, "restore cache namespace failed, starting empty", logging.Error(err))
		return c
	}
	restored := make([]*entry, 0, len(pairs))
	for _, p := range pairs {
		var row persistedEntry
		if err := json.Unmarshal(p.Value, &row); err != nil || row.StoredAt.IsZero() {
			c.log.Warn(ctx, "cache row corrupted, dropping", logging.String("key", p.Key), logging.Error(err))
			_ = kv.Delete(ctx, storage.NamespaceCache, p.Key)
			continue
		}
		restored = append(restored, &entry{key: p.Key, value: row.Value, storedAt: row.StoredAt})
	}
	// 按写入时间入链，最近写入的条目站上 LRU 队首
	sort.Slice(restored, func(i, j int) bool { return restored[i].storedAt.Before(restored[j].storedAt) })
	for _, e := range restored {
		if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
			c.evictOldestUnsafe(ctx)
		}
		e.lruElement = c.lruList.PushFront(e)
		c.items[e.key] = e
	}
	c.stats.Size = len(c.items)
	return c
}

// Get 获取快照
//
// Get 使用写锁：命中需要更新 LRU 位置与统计，都是内部状态修改。
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		return nil, false, false
	}

	c.lruList.MoveToFront(e.lruElement)

	if time.Since(e.storedAt) >= c.config.TTL {
		// 过期快照保留：离线场景下陈旧数据好过没有数据
		c.stats.Stale++
		return e.value, false, true
	}

	c.stats.Hits++
	return e.value, true, true
}

// Put 写入快照，写入时间即新鲜期起点
func (c *MemoryCache) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, exists := c.items[key]; exists {
		e.value = value
		e.storedAt = now
		c.lruList.MoveToFront(e.lruElement)
		c.persistUnsafe(ctx, e)
		return nil
	}

	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		c.evictOldestUnsafe(ctx)
	}

	e := &entry{key: key, value: value, storedAt: now}
	e.lruElement = c.lruList.PushFront(e)
	c.items[key] = e
	c.stats.Size = len(c.items)
	c.persistUnsafe(ctx, e)
	return nil
}

// Invalidate 删除单个快照
func (c *MemoryCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		c.removeEntryUnsafe(ctx, e)
	}
	return nil
}

// InvalidatePrefix 删除指定前缀下的全部快照
func (c *MemoryCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeEntryUnsafe(ctx, e)
		}
	}
	return nil
}

// Clear 清空所有快照
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kv != nil {
		for key := range c.items {
			_ = c.kv.Delete(ctx, storage.NamespaceCache, key)
		}
	}
	c.items = make(map[string]*entry)
	c.lruList = list.New()
	c.stats.Size = 0
	return nil
}

// Stats 获取缓存统计信息（副本）
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

// HitRate 获取新鲜命中率
func (c *MemoryCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.stats.Hits + c.stats.Stale + c.stats.Misses
	if total == 0 {
		return 0
	}
	return float64(c.stats.Hits) / float64(total)
}

// evictOldestUnsafe 驱逐最久未使用的条目（需要持锁调用）
func (c *MemoryCache) evictOldestUnsafe(ctx context.Context) {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	c.removeEntryUnsafe(ctx, oldest.Value.(*entry))
	c.stats.Evictions++
}

// removeEntryUnsafe 删除条目（需要持锁调用）
func (c *MemoryCache) removeEntryUnsafe(ctx context.Context, e *entry) {
	if e.lruElement != nil {
		c.lruList.Remove(e.lruElement)
	}
	delete(c.items, e.key)
	c.stats.Size = len(c.items)
	if c.kv != nil {
		_ = c.kv.Delete(ctx, storage.NamespaceCache, e.key)
	}
}

// persistUnsafe 把条目镜像到持久化命名空间（需要持锁调用）
//
// 镜像失败只告警：缓存故障绝不阻塞写路径，代价是该条目不跨重启。
func (c *MemoryCache) persistUnsafe(ctx context.Context, e *entry) {
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(persistedEntry{Value: e.value, StoredAt: e.storedAt})
	if err == nil {
		err = c.kv.Put(ctx, storage.NamespaceCache, e.key, data)
	}
	if err != nil {
		c.log.Warn(ctx, "persist cache row failed", logging.String("key", e.key), logging.Error(err))
	}
}

// String 返回缓存信息的字符串表示
func (c *MemoryCache) String() string {
	stats := c.Stats()
	return fmt.Sprintf("Cache[%s]: size=%d/%d, hits=%d, stale=%d, misses=%d, hit_rate=%.2f%%, evictions=%d",
		c.name,
		stats.Size,
		c.config.MaxSize,
		stats.Hits,
		stats.Stale,
		stats.Misses,
		c.HitRate()*100,
		stats.Evictions,
	)
}
