package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"auditsync/logging"
)

// BridgeConfig NATS 桥接配置
type BridgeConfig struct {
	// URL NATS 服务器地址；Conn 已给出时忽略
	URL string

	// SubjectPrefix 事件主题前缀，默认 "audit.sync."
	// 完整主题为前缀 + 事件类型，如 audit.sync.conflict_detected
	SubjectPrefix string

	// Buffer 桥接自身的订阅缓冲
	Buffer int

	Logger logging.Logger
	Conn   *nats.Conn
}

// NATSBridge 把总线事件转发到外部 NATS 主题
//
// 监控面板或服务端聚合器可按主题订阅同步状态，不需要进程内集成。
// 转发是尽力而为：NATS 不可达只记日志，从不影响同步循环本身。
type NATSBridge struct {
	cfg      BridgeConfig
	logger   logging.Logger
	conn     *nats.Conn
	ownsConn bool

	mu      sync.Mutex
	running bool
	cancel  func()
	doneCh  chan struct{}
}

// NewNATSBridge 创建 NATS 桥接
func NewNATSBridge(cfg BridgeConfig) *NATSBridge {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "audit.sync."
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("notify.nats")
	}
	return &NATSBridge{cfg: cfg, logger: cfg.Logger}
}

// Start 连接 NATS 并开始转发 bus 上的事件
func (b *NATSBridge) Start(ctx context.Context, bus *Bus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("nats bridge already running")
	}

	if b.cfg.Conn != nil {
		b.conn = b.cfg.Conn
	} else {
		conn, err := nats.Connect(b.cfg.URL,
			nats.Name("auditsync-notify"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return err
		}
		b.conn = conn
		b.ownsConn = true
	}

	events, cancel := bus.Subscribe(b.cfg.Buffer)
	b.cancel = cancel
	b.doneCh = make(chan struct{})
	b.running = true

	go b.forward(ctx, events)
	b.logger.Info(ctx, "nats bridge started", logging.String("subject_prefix", b.cfg.SubjectPrefix))
	return nil
}

func (b *NATSBridge) forward(ctx context.Context, events <-chan Event) {
	defer close(b.doneCh)
	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			b.logger.Error(ctx, "encode event failed", logging.Error(err))
			continue
		}
		subject := b.cfg.SubjectPrefix + string(event.Type)
		if err := b.conn.Publish(subject, data); err != nil {
			b.logger.Warn(ctx, "publish event failed",
				logging.String("subject", subject), logging.Error(err))
		}
	}
}

// Stop 停止转发并关闭自有连接
func (b *NATSBridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false
	b.cancel()

	select {
	case <-b.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.ownsConn && b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
		b.conn = nil
	}
	return nil
}
