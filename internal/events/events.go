// Package events publishes deployment and execution state changes to
// external subscribers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgentNexus-Chain/internal/deployment"
	"AgentNexus-Chain/pkg/logger"
)

// Type 表示事件类型。
type Type string

const (
	TypeDeploymentStatus   Type = "deployment.status"
	TypeDeploymentBatch    Type = "deployment.batch"
	TypeExecutionCompleted Type = "execution.completed"
)

// Event 是对外发布的状态变化。
type Event struct {
	Type       Type              `json:"type"`
	AgentID    uint64            `json:"agentId"`
	ChainID    uint64            `json:"chainId,omitempty"`
	Status     string            `json:"status,omitempty"`
	TxHash     string            `json:"txHash,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Subject builds "<prefix>.<type>.<agentId>".
func Subject(prefix string, event Event) string {
	if prefix == "" {
		return fmt.Sprintf("%s.%d", event.Type, event.AgentID)
	}
	return fmt.Sprintf("%s.%s.%d", prefix, event.Type, event.AgentID)
}

// Publisher 发布事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogPublisher writes events to the log and is the default publisher.
type LogPublisher struct {
	log *slog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher 创建日志发布器。
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logger.Named("events")}
}

// Publish 将事件写入日志。
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.log.Info("事件",
		slog.String("type", string(event.Type)),
		slog.Uint64("agent_id", event.AgentID),
		slog.Uint64("chain_id", event.ChainID),
		slog.String("status", event.Status),
		slog.String("tx_hash", event.TxHash))
	return nil
}

// Close 无需操作。
func (p *LogPublisher) Close() error { return nil }

// DeploymentNotifier turns tracker status changes into events.
type DeploymentNotifier struct {
	publisher Publisher
	log       *slog.Logger
}

var _ deployment.Notifier = (*DeploymentNotifier)(nil)

// NewDeploymentNotifier 创建部署状态通知器。
func NewDeploymentNotifier(publisher Publisher) *DeploymentNotifier {
	return &DeploymentNotifier{publisher: publisher, log: logger.Named("events")}
}

// DeploymentChanged publishes the record; publish failures are logged only,
// the tracker state is already persisted.
func (n *DeploymentNotifier) DeploymentChanged(ctx context.Context, rec deployment.Record) {
	event := Event{
		Type:       TypeDeploymentStatus,
		AgentID:    rec.AgentID,
		ChainID:    rec.ChainID,
		Status:     string(rec.Status),
		TxHash:     rec.TxHash,
		Error:      rec.LastError,
		OccurredAt: time.Unix(rec.UpdatedAt, 0).UTC(),
	}
	if rec.Reconcilable {
		event.Metadata = map[string]string{"reconcilable": "true"}
	}
	if err := n.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		n.log.Warn("发布部署状态事件失败",
			slog.Uint64("agent_id", rec.AgentID),
			slog.Uint64("chain_id", rec.ChainID),
			slog.Any("error", err))
	}
}
