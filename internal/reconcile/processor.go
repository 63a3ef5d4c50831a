// Package reconcile corrects deployments whose bridge call timed out or
// returned an ambiguous error. A record stays failed and reconcilable until
// the target registry or the bridge confirms the outcome.
package reconcile

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"AgentNexus-Chain/internal/bridge"
	"AgentNexus-Chain/internal/deployment"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/observability/alerting"
	"AgentNexus-Chain/pkg/logger"
)

// 对账相关错误码，RECONCILE_EXHAUSTED 会触发告警。
const (
	CodeReconcileQueue     xerrors.Code = "RECONCILE_QUEUE_FAILURE"
	CodeReconcileExhausted xerrors.Code = "RECONCILE_EXHAUSTED"
)

func init() {
	xerrors.Register(CodeReconcileQueue, xerrors.Attributes{
		Message:   "reconcile queue failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeReconcileExhausted, xerrors.Attributes{
		Message:  "deployment could not be reconciled",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Tracker is the subset of the deployment tracker reconciliation needs.
type Tracker interface {
	Get(ctx context.Context, agentID, chainID uint64) (*deployment.Record, error)
	Reconcile(ctx context.Context, agentID, chainID uint64, txHash string) (*deployment.Record, error)
	MarkUnreconcilable(ctx context.Context, agentID, chainID uint64, reason string) error
	NoteReconcileAttempt(ctx context.Context, agentID, chainID uint64) (int, error)
	ListReconcilable(ctx context.Context, limit int) ([]*deployment.Record, error)
}

// Registrations answers whether an agent is registered on a chain.
type Registrations interface {
	IsAgentRegistered(ctx context.Context, chainID, agentID uint64) (bool, error)
}

// Outcome 描述一次对账处理的结果。
type Outcome string

// Process outcomes. Only OutcomeRetry leaves a job scheduled.
const (
	OutcomeReconciled    Outcome = "reconciled"
	OutcomeRetry         Outcome = "retry"
	OutcomeUnrecoverable Outcome = "unrecoverable"
	OutcomeSkipped       Outcome = "skipped"
)

// Processor 从队列消费对账任务。
type Processor struct {
	tracker     Tracker
	registry    Registrations
	transfers   bridge.StatusChecker
	consumer    Consumer
	producer    Producer
	workerCount int
	maxAttempts int
	retryDelay  time.Duration
	alerter     alerting.Dispatcher
	sleep       func(ctx context.Context, d time.Duration) error
	delayed     sync.WaitGroup
	log         *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts bounds how often one record is re-checked.
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryDelay sets how long a retry job waits before it is republished.
// The worker that scheduled it moves on immediately.
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

// WithTransferStatus enables bridge status queries by BridgeRef.
func WithTransferStatus(checker bridge.StatusChecker) ProcessorOption {
	return func(p *Processor) { p.transfers = checker }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// NewProcessor 构造 Processor。
func NewProcessor(tracker Tracker, registry Registrations, queue Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		tracker:     tracker,
		registry:    registry,
		consumer:    queue,
		producer:    queue,
		workerCount: 1,
		maxAttempts: 10,
		retryDelay:  30 * time.Second,
		sleep:       sleepCtx,
		log:         logger.Named("reconcile"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动对账消费循环，直到 ctx 结束；返回前等待延迟投递的协程退出。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置对账队列")
	}
	err := p.consumer.Consume(ctx, p.workerCount, p.handle)
	p.delayed.Wait()
	return err
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	job, err := decodeJob(payload)
	if err != nil {
		p.log.Warn("丢弃无法解析的对账任务", slog.Any("error", err))
		return nil
	}
	_, err = p.Process(ctx, job)
	return err
}

// Process checks one record. The registry is consulted first since it is
// authoritative; the bridge status only matters while the registry is silent.
// Errors are returned only for failures worth redelivering.
func (p *Processor) Process(ctx context.Context, job Job) (Outcome, error) {
	attrs := []any{slog.Uint64("agent_id", job.AgentID), slog.Uint64("chain_id", job.ChainID), slog.Int("attempt", job.Attempt)}

	rec, err := p.tracker.Get(ctx, job.AgentID, job.ChainID)
	if stdErrors.Is(err, deployment.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if rec.Status != deployment.StatusFailed || !rec.Reconcilable {
		p.log.Debug("记录无需对账", append(attrs, slog.String("status", string(rec.Status)))...)
		return OutcomeSkipped, nil
	}

	registered, err := p.registry.IsAgentRegistered(ctx, job.ChainID, job.AgentID)
	if err != nil {
		p.log.Warn("查询链上注册状态失败", append(attrs, slog.Any("error", err))...)
	} else if registered {
		return p.reconcile(ctx, job, rec.TxHash, "registry")
	}

	if p.transfers != nil && rec.BridgeRef != "" {
		status, err := p.transfers.TransferStatus(ctx, rec.BridgeRef)
		switch {
		case err != nil:
			p.log.Warn("查询桥接状态失败", append(attrs, slog.Any("error", err))...)
		case status.State == bridge.TransferCompleted:
			return p.reconcile(ctx, job, status.ExecuteTxHash, "bridge")
		case status.State == bridge.TransferFailed:
			reason := status.Error
			if reason == "" {
				reason = "bridge reported transfer failed"
			}
			return p.giveUp(ctx, job, reason, "bridge_failed")
		}
	}

	// 检查次数记在记录上，扫描器重新投递时不会重置预算。
	attempt, err := p.tracker.NoteReconcileAttempt(ctx, job.AgentID, job.ChainID)
	if err != nil {
		return "", err
	}
	job.Attempt = attempt
	if attempt >= p.maxAttempts {
		return p.giveUp(ctx, job, "reconciliation attempts exhausted", "exhausted")
	}
	p.publishAfter(ctx, Job{AgentID: job.AgentID, ChainID: job.ChainID, Attempt: attempt + 1}, p.retryDelay)
	p.log.Debug("转账仍在进行，稍后重试", append(attrs, slog.Duration("delay", p.retryDelay))...)
	return OutcomeRetry, nil
}

// publishAfter republishes job once delay has passed without holding the
// calling worker. A job dropped because ctx ended is picked up by the sweeper.
func (p *Processor) publishAfter(ctx context.Context, job Job, delay time.Duration) {
	p.delayed.Add(1)
	go func() {
		defer p.delayed.Done()
		if err := p.sleep(ctx, delay); err != nil {
			return
		}
		job.EnqueuedAt = time.Now().UTC()
		if err := publish(ctx, p.producer, job); err != nil {
			p.log.Warn("延迟投递对账任务失败",
				slog.Uint64("agent_id", job.AgentID),
				slog.Uint64("chain_id", job.ChainID),
				slog.Any("error", err))
		}
	}()
}

func (p *Processor) reconcile(ctx context.Context, job Job, txHash, source string) (Outcome, error) {
	rec, err := p.tracker.Reconcile(ctx, job.AgentID, job.ChainID, txHash)
	if err != nil {
		return "", err
	}
	logger.Audit().Info("部署对账完成",
		slog.Uint64("agent_id", job.AgentID),
		slog.Uint64("chain_id", job.ChainID),
		slog.String("tx_hash", rec.TxHash),
		slog.String("source", source),
		slog.Int("attempt", job.Attempt))
	return OutcomeReconciled, nil
}

func (p *Processor) giveUp(ctx context.Context, job Job, reason, stage string) (Outcome, error) {
	if err := p.tracker.MarkUnreconcilable(ctx, job.AgentID, job.ChainID, reason); err != nil {
		return "", err
	}
	logger.Audit().Warn("部署无法对账",
		slog.Uint64("agent_id", job.AgentID),
		slog.Uint64("chain_id", job.ChainID),
		slog.String("reason", reason),
		slog.Int("attempt", job.Attempt))
	p.emitAlert(ctx, job, reason, stage)
	return OutcomeUnrecoverable, nil
}

func (p *Processor) emitAlert(ctx context.Context, job Job, reason, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(CodeReconcileExhausted)
	event := alerting.Event{
		Code:       CodeReconcileExhausted,
		Message:    reason,
		Severity:   attrs.Severity,
		AgentID:    job.AgentID,
		ChainID:    job.ChainID,
		Attempts:   job.Attempt,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("告警通知失败", slog.Any("error", err), slog.String("stage", stage))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
