// Package reconcile 实现后台同步循环
//
// 每个同步周期按 Idle -> Draining -> Pulling -> Merging -> Idle 推进；
// 连接持续不可用时进入 Paused，恢复后从 Draining 继续。
// 周期是幂等的：本地与远端都无新变更时重跑不改变任何状态。
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"auditsync/cache"
	"auditsync/logging"
	"auditsync/notify"
	"auditsync/outbox"
	"auditsync/remote"
	"auditsync/retry"
	"auditsync/storage"
	"auditsync/store"
)

// Phase 同步周期阶段
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDraining Phase = "draining"
	PhasePulling  Phase = "pulling"
	PhaseMerging  Phase = "merging"
	PhasePaused   Phase = "paused"
)

// checkpointKey 上次拉取检查点在 KV 中的键
const checkpointKey = "audits:last_pull"

// Config 同步循环配置
type Config struct {
	// Interval 周期触发间隔，默认 30s
	Interval time.Duration

	// PushRetry 单条上送在一个周期内的瞬态重试策略
	// 超出后条目按 Outbox 退避重排，不阻塞其余实体
	PushRetry retry.Config

	// MaxPullPages 单周期最多拉取的页数，防御服务端分页异常
	MaxPullPages int

	Logger logging.Logger
}

// DefaultConfig 返回默认同步配置
func DefaultConfig() Config {
	pushRetry := retry.DefaultConfig()
	pushRetry.MaxAttempts = 3
	pushRetry.InitialDelay = 200 * time.Millisecond
	return Config{
		Interval:     30 * time.Second,
		PushRetry:    pushRetry,
		MaxPullPages: 32,
	}
}

// Reconciler 同步协调器
//
// 串行执行：任意时刻最多一个周期在跑，周期内对单个实体的读改写
// 都经由 EntityStore 的实体级锁，与 UI 侧变更不交错。
type Reconciler struct {
	cfg    Config
	store  *store.EntityStore
	ob     *outbox.Outbox
	client remote.IClient
	cache  cache.ISnapshotCache
	bus    *notify.Bus
	kv     storage.IKVStore
	logger logging.Logger

	phase      atomic.Value // Phase
	online     atomic.Bool
	lastSyncAt atomic.Value // time.Time

	cycleMu sync.Mutex

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
}

// New 创建同步协调器
func New(
	cfg Config,
	entityStore *store.EntityStore,
	ob *outbox.Outbox,
	client remote.IClient,
	snapshots cache.ISnapshotCache,
	bus *notify.Bus,
	kv storage.IKVStore,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxPullPages <= 0 {
		cfg.MaxPullPages = 32
	}
	if cfg.PushRetry.MaxAttempts <= 0 {
		cfg.PushRetry = DefaultConfig().PushRetry
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("reconcile")
	}

	r := &Reconciler{
		cfg:    cfg,
		store:  entityStore,
		ob:     ob,
		client: client,
		cache:  snapshots,
		bus:    bus,
		kv:     kv,
		logger: cfg.Logger,
		kickCh: make(chan struct{}, 1),
	}
	r.phase.Store(PhaseIdle)
	r.lastSyncAt.Store(time.Time{})
	r.online.Store(true)
	return r
}

// Phase 当前阶段
func (r *Reconciler) Phase() Phase {
	return r.phase.Load().(Phase)
}

// LastSyncAt 最近一次成功完成周期的时间，零值表示尚未同步
func (r *Reconciler) LastSyncAt() time.Time {
	return r.lastSyncAt.Load().(time.Time)
}

// Online 当前连接状态
func (r *Reconciler) Online() bool {
	return r.online.Load()
}

// SetOnline 连接状态信号（宿主接入系统网络监听后调用）
//
// 掉线立即标记 Paused；恢复后发布 resumed 事件并踢一次同步。
func (r *Reconciler) SetOnline(online bool) {
	prev := r.online.Swap(online)
	if prev == online {
		return
	}
	if online {
		r.publish(notify.Event{Type: notify.EventResumed})
		r.TriggerSync()
		return
	}
	r.setPhase(PhasePaused)
	r.publish(notify.Event{Type: notify.EventPaused, Detail: "connectivity lost"})
}

// TriggerSync 立即请求一次同步（非阻塞；本地变更提交后调用）
func (r *Reconciler) TriggerSync() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// Start 启动后台同步循环
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("reconciler already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.loop()
	r.logger.Info(ctx, "reconciler started", logging.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop 停止后台循环，等待当前周期让出
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.kickCh:
		}

		if err := r.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn(ctx, "sync cycle failed", logging.Error(err))
		}
	}
}

func (r *Reconciler) setPhase(p Phase) {
	if r.phase.Swap(p) != p {
		r.publish(notify.Event{Type: notify.EventPhaseChanged, Phase: string(p)})
	}
}

func (r *Reconciler) publish(event notify.Event) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}

// loadCheckpoint 读取上次拉取检查点；损坏时回退到 0，触发全量重拉
func (r *Reconciler) loadCheckpoint(ctx context.Context) int64 {
	value, ok, err := r.kv.Get(ctx, storage.NamespaceCheckpoints, checkpointKey)
	if err != nil || !ok {
		return 0
	}
	checkpoint, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		r.logger.Warn(ctx, "corrupt pull checkpoint, falling back to full re-pull", logging.Error(err))
		return 0
	}
	return checkpoint
}

// saveCheckpoint 持久化检查点，只向前推进
func (r *Reconciler) saveCheckpoint(ctx context.Context, checkpoint int64) {
	current := r.loadCheckpoint(ctx)
	if checkpoint <= current {
		return
	}
	value := []byte(strconv.FormatInt(checkpoint, 10))
	if err := r.kv.Put(ctx, storage.NamespaceCheckpoints, checkpointKey, value); err != nil {
		r.logger.Error(ctx, "persist pull checkpoint failed", logging.Error(err))
	}
}
