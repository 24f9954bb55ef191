package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"auditsync/logging"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// RedisConfig Redis 快照缓存配置
type RedisConfig struct {
	Client   redis.UniversalClient
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix 所有键的公共前缀，默认 "auditsync:"
	KeyPrefix string

	// TTL 快照新鲜期，0 取 DefaultTTL
	TTL time.Duration

	// Retention 过期快照的保留期（硬 TTL）
	// 新鲜期过后快照降级为陈旧命中，保留期后才真正消失。默认 12 倍 TTL。
	Retention time.Duration

	Logger logging.Logger
}

// RedisCache 基于共享 Redis 的快照缓存
//
// 多副本部署时替代进程内 MemoryCache：同一快照对所有副本可见，
// 同步完成后的失效也对所有副本生效。
//
// 新鲜度用伴生标记键表达：值键按保留期过期，标记键按新鲜期过期；
// 标记仍在则快照新鲜，标记消失而值还在则降级为陈旧命中。
type RedisCache struct {
	cfg       RedisConfig
	client    client
	ownClient bool
	logger    logging.Logger
}

// NewRedisCache 创建 Redis 快照缓存
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "auditsync:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 12 * cfg.TTL
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		options := &redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB}
		cl = redis.NewClient(options)
		own = true
	}
	if cl == nil {
		return nil, errors.New("redis client not configured")
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("cache.redis")
	}

	return &RedisCache{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
	}, nil
}

func (c *RedisCache) valueKey(key string) string {
	return c.cfg.KeyPrefix + key
}

func (c *RedisCache) freshKey(key string) string {
	return c.cfg.KeyPrefix + key + ":fresh"
}

// Get 获取快照；缓存层故障按未命中处理，调用方回退到存储
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, bool) {
	values, err := c.client.MGet(ctx, c.valueKey(key), c.freshKey(key)).Result()
	if err != nil {
		c.logger.Warn(ctx, "redis get failed", logging.String("key", key), logging.Error(err))
		return nil, false, false
	}
	if len(values) < 2 || values[0] == nil {
		return nil, false, false
	}

	raw, ok := values[0].(string)
	if !ok {
		return nil, false, false
	}
	fresh := values[1] != nil
	return []byte(raw), fresh, true
}

// Put 写入快照，并重置新鲜标记
func (c *RedisCache) Put(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.valueKey(key), value, c.cfg.Retention).Err(); err != nil {
		return err
	}
	return c.client.Set(ctx, c.freshKey(key), "1", c.cfg.TTL).Err()
}

// Invalidate 删除单个快照
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.valueKey(key), c.freshKey(key)).Err()
}

// InvalidatePrefix 删除指定前缀下的全部快照
func (c *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	return c.deleteByPattern(ctx, c.cfg.KeyPrefix+prefix+"*")
}

// Clear 清空本缓存前缀下的所有键
func (c *RedisCache) Clear(ctx context.Context) error {
	return c.deleteByPattern(ctx, c.cfg.KeyPrefix+"*")
}

func (c *RedisCache) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close 关闭自有的 Redis 连接
func (c *RedisCache) Close() error {
	if c.ownClient {
		return c.client.Close()
	}
	return nil
}

var _ ISnapshotCache = (*RedisCache)(nil)
var _ ISnapshotCache = (*MemoryCache)(nil)
