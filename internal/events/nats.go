package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	xerrors "AgentNexus-Chain/internal/errors"
)

// NATSConfig 描述 NATS 连接参数。
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
	FlushTimeout  time.Duration
}

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSPublisher publishes JSON events on core NATS subjects.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	flush  time.Duration
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher 连接 NATS 服务器。
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "NATS URL 不能为空")
	}
	name := cfg.Name
	if name == "" {
		name = "agentnexusd"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 NATS 失败")
	}
	return newNATSPublisher(conn, cfg), nil
}

func newNATSPublisher(conn natsConn, cfg NATSConfig) *NATSPublisher {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "agentnexus"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, flush: cfg.FlushTimeout}
}

// Publish 发布事件；配置了 FlushTimeout 时等待服务器确认收到。
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	if err := p.conn.Publish(Subject(p.prefix, event), data); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布 NATS 事件失败")
	}
	if p.flush > 0 {
		if err := p.conn.FlushTimeout(p.flush); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "刷新 NATS 连接失败")
		}
	}
	return nil
}

// Close drains pending messages before closing.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
