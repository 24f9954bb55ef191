// Package notify 对外广播同步过程中的状态事件
//
// 事件是建议性的：订阅方掉队不会阻塞同步循环（慢订阅者丢事件而不是拖垮引擎）。
// UI 用它驱动状态指示器；NATSBridge 可选地把事件转发到外部 NATS 主题。
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"auditsync/logging"
)

// EventType 同步事件类型
type EventType string

const (
	EventCycleStarted     EventType = "cycle_started"
	EventPhaseChanged     EventType = "phase_changed"
	EventEntitySynced     EventType = "entity_synced"
	EventConflictDetected EventType = "conflict_detected"
	EventEntryFailed      EventType = "entry_failed"
	EventCycleCompleted   EventType = "cycle_completed"
	EventPaused           EventType = "paused"
	EventResumed          EventType = "resumed"
)

// Event 一条同步状态事件
type Event struct {
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
	EntityID string    `json:"entity_id,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Detail   string    `json:"detail,omitempty"`

	// Pushed / Pulled 本轮推送与拉取的实体数，仅 cycle_completed 携带
	Pushed int `json:"pushed,omitempty"`
	Pulled int `json:"pulled,omitempty"`
}

// Bus 进程内事件总线
//
// 每个订阅者持有一条有界通道；Publish 非阻塞，通道满时丢弃并计数。
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
	logger  logging.Logger
}

// NewBus 创建事件总线
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.ComponentLogger("notify.bus")
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe 订阅事件流
//
// buffer 是订阅者通道容量（≤0 时取 64）。返回只读通道与取消函数；
// 取消后通道被关闭，订阅者应停止读取。
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish 广播一条事件，从不阻塞
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			if b.dropped.Add(1) == 1 {
				b.logger.Warn(context.Background(), "slow subscriber, dropping events",
					logging.String("event", string(event.Type)))
			}
		}
	}
}

// Dropped 因订阅者掉队而丢弃的事件总数
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭总线并断开所有订阅者
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
