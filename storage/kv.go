// Package storage 定义设备端持久化快照的键值抽象
//
// 持久化布局分四个相互独立的命名空间：
//   - entities    实体存储快照，按实体 ID 键控
//   - outbox      待同步变更队列，按条目 ID 键控
//   - checkpoints 最近一次拉取检查点
//   - cache       缓存条目及其 TTL 戳
//
// 命名空间之间不得相互假设存在：任一命名空间单独恢复失败时，
// 其余命名空间必须仍可独立恢复（损坏回退由各自的上层负责）。
package storage

import "context"

// Namespace 持久化命名空间
type Namespace string

const (
	NamespaceEntities    Namespace = "entities"
	NamespaceOutbox      Namespace = "outbox"
	NamespaceCheckpoints Namespace = "checkpoints"
	NamespaceCache       Namespace = "cache"
)

// Namespaces 全部命名空间，便于初始化与遍历
var Namespaces = []Namespace{NamespaceEntities, NamespaceOutbox, NamespaceCheckpoints, NamespaceCache}

// Pair 一条键值记录
type Pair struct {
	Key   string
	Value []byte
}

// ITx 原子写事务内可用的操作
type ITx interface {
	Put(ns Namespace, key string, value []byte) error
	Delete(ns Namespace, key string) error
}

// IKVStore 键值存储接口
//
// Update 提供跨命名空间的原子多写：Outbox 入队与对应实体快照更新
// 必须是同一个原子单元，崩溃不能只留下其中一半。
type IKVStore interface {
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, ns Namespace, key string, value []byte) error
	Delete(ctx context.Context, ns Namespace, key string) error

	// List 返回命名空间内全部记录，键升序
	List(ctx context.Context, ns Namespace) ([]Pair, error)

	// Update 在单个原子事务内执行 fn 中缓冲的全部写操作
	Update(ctx context.Context, fn func(tx ITx) error) error

	Close() error
}
