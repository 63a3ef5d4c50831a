package deployment

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/pkg/logger"
)

// Notifier receives every persisted status change.
type Notifier interface {
	DeploymentChanged(ctx context.Context, record Record)
}

// Option customises the Tracker.
type Option func(*Tracker)

// WithLocker replaces the in-process key lock, e.g. with a Redis lease.
func WithLocker(l Locker) Option {
	return func(t *Tracker) {
		if l != nil {
			t.locker = l
		}
	}
}

// WithStaleAfter lets RecordAttempt take over pending or bridging records
// that have not moved for d. Zero disables takeover.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// WithNotifier registers a status change listener.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker owns the per-(agent, chain) deployment state machine. Status only
// moves forward; the one exception is Reconcile, which corrects a failed
// record after out-of-band confirmation.
type Tracker struct {
	store      Store
	locker     Locker
	staleAfter time.Duration
	notifier   Notifier
	now        func() time.Time
	log        *slog.Logger
}

// NewTracker 创建 Tracker。
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:      store,
		locker:     NewLocalLocker(),
		staleAfter: 30 * time.Minute,
		now:        time.Now,
		log:        logger.Named("deployment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// UpdateOption attaches details to a status update.
type UpdateOption func(*Record)

// WithTxHash records the execute transaction hash.
func WithTxHash(hash string) UpdateOption {
	return func(r *Record) {
		if hash != "" {
			r.TxHash = hash
		}
	}
}

// WithBridgeTxHash records the bridge transaction hash.
func WithBridgeTxHash(hash string) UpdateOption {
	return func(r *Record) {
		if hash != "" {
			r.BridgeTxHash = hash
		}
	}
}

// WithBridgeRef records the SDK client reference used for reconciliation.
func WithBridgeRef(ref string) UpdateOption {
	return func(r *Record) {
		if ref != "" {
			r.BridgeRef = ref
		}
	}
}

// WithDeploymentAddress records the contract the agent lives at.
func WithDeploymentAddress(addr string) UpdateOption {
	return func(r *Record) {
		if addr != "" {
			r.DeploymentAddress = addr
		}
	}
}

// WithFailure records err and its code.
func WithFailure(err error) UpdateOption {
	return func(r *Record) {
		if err == nil {
			return
		}
		r.LastError = err.Error()
		r.ErrorCode = string(xerrors.CodeOf(err))
	}
}

// WithReconcilable marks a failed record as eligible for reconciliation.
func WithReconcilable(v bool) UpdateOption {
	return func(r *Record) { r.Reconcilable = v }
}

// RecordAttempt creates the record or resets it to pending. A completed
// record yields ErrAlreadyDeployed; a live attempt yields ErrInProgress.
func (t *Tracker) RecordAttempt(ctx context.Context, agentID, chainID uint64) (*Record, error) {
	var out *Record
	err := t.withKey(ctx, agentID, chainID, func() error {
		now := t.now()
		rec, err := t.store.Get(ctx, agentID, chainID)
		switch {
		case stdErrors.Is(err, ErrNotFound):
			rec = &Record{AgentID: agentID, ChainID: chainID, CreatedAt: now.Unix()}
		case err != nil:
			return err
		case rec.Status == StatusCompleted:
			out = rec
			return ErrAlreadyDeployed
		case rec.Status == StatusPending || rec.Status == StatusBridging || (rec.Status == StatusFailed && rec.Reconcilable):
			// 超时失败的桥接可能仍在链上完成，对账结束前不允许重新桥接。
			if t.staleAfter <= 0 || now.Sub(time.Unix(rec.UpdatedAt, 0)) < t.staleAfter {
				out = rec
				return xerrors.New(CodeDeploymentInProgress, fmt.Sprintf("agent %d on chain %d is %s", agentID, chainID, describe(rec)))
			}
			t.log.Warn("接管停滞的部署尝试",
				slog.Uint64("agent_id", agentID),
				slog.Uint64("chain_id", chainID),
				slog.String("status", string(rec.Status)))
		}

		rec.Status = StatusPending
		rec.TxHash = ""
		rec.BridgeTxHash = ""
		rec.BridgeRef = ""
		rec.LastError = ""
		rec.ErrorCode = ""
		rec.Reconcilable = false
		rec.Attempts++
		rec.ReconcileAttempts = 0
		rec.Timestamp = now.Unix()
		rec.UpdatedAt = now.Unix()
		if err := t.store.Put(ctx, rec); err != nil {
			return err
		}
		out = rec
		t.notify(ctx, rec)
		return nil
	})
	return out, err
}

// UpdateStatus moves the record forward. Any other move is an orchestration
// defect reported as ErrInvalidTransition.
func (t *Tracker) UpdateStatus(ctx context.Context, agentID, chainID uint64, status Status, opts ...UpdateOption) (*Record, error) {
	var out *Record
	err := t.withKey(ctx, agentID, chainID, func() error {
		rec, err := t.store.Get(ctx, agentID, chainID)
		if err != nil {
			return err
		}
		if !CanTransition(rec.Status, status) {
			t.log.Error("非法的部署状态跳转",
				slog.Uint64("agent_id", agentID),
				slog.Uint64("chain_id", chainID),
				slog.String("from", string(rec.Status)),
				slog.String("to", string(status)))
			return xerrors.New(CodeInvalidTransition,
				fmt.Sprintf("agent %d chain %d: %s -> %s", agentID, chainID, rec.Status, status))
		}

		now := t.now().Unix()
		rec.Status = status
		for _, opt := range opts {
			if opt != nil {
				opt(rec)
			}
		}
		if status != StatusFailed {
			rec.Reconcilable = false
		}
		rec.Timestamp = now
		rec.UpdatedAt = now
		if err := t.store.Put(ctx, rec); err != nil {
			return err
		}
		out = rec
		t.notify(ctx, rec)
		return nil
	})
	return out, err
}

// Reconcile corrects a reconcilable failed record to completed once the
// bridge or the on-chain registry confirms the transfer landed.
func (t *Tracker) Reconcile(ctx context.Context, agentID, chainID uint64, txHash string) (*Record, error) {
	var out *Record
	err := t.withKey(ctx, agentID, chainID, func() error {
		rec, err := t.store.Get(ctx, agentID, chainID)
		if err != nil {
			return err
		}
		if rec.Status == StatusCompleted {
			out = rec
			return nil
		}
		if rec.Status != StatusFailed || !rec.Reconcilable {
			return xerrors.New(CodeInvalidTransition,
				fmt.Sprintf("agent %d chain %d: %s record is not reconcilable", agentID, chainID, rec.Status))
		}
		now := t.now().Unix()
		rec.Status = StatusCompleted
		rec.Reconcilable = false
		if txHash != "" {
			rec.TxHash = txHash
		}
		rec.LastError = ""
		rec.ErrorCode = ""
		rec.Timestamp = now
		rec.UpdatedAt = now
		if err := t.store.Put(ctx, rec); err != nil {
			return err
		}
		t.log.Info("对账成功，部署状态更正为 completed",
			slog.Uint64("agent_id", agentID),
			slog.Uint64("chain_id", chainID),
			slog.String("tx_hash", rec.TxHash))
		out = rec
		t.notify(ctx, rec)
		return nil
	})
	return out, err
}

// NoteReconcileAttempt counts one inconclusive reconciliation check and
// returns the new total. UpdatedAt is left alone so stale takeover still sees
// the time of the failure.
func (t *Tracker) NoteReconcileAttempt(ctx context.Context, agentID, chainID uint64) (int, error) {
	var attempts int
	err := t.withKey(ctx, agentID, chainID, func() error {
		rec, err := t.store.Get(ctx, agentID, chainID)
		if err != nil {
			return err
		}
		if rec.Status != StatusFailed || !rec.Reconcilable {
			return xerrors.New(CodeInvalidTransition,
				fmt.Sprintf("agent %d chain %d: %s record is not reconcilable", agentID, chainID, rec.Status))
		}
		rec.ReconcileAttempts++
		attempts = rec.ReconcileAttempts
		return t.store.Put(ctx, rec)
	})
	return attempts, err
}

// MarkUnreconcilable drops the reconciliation flag; the record stays failed.
func (t *Tracker) MarkUnreconcilable(ctx context.Context, agentID, chainID uint64, reason string) error {
	return t.withKey(ctx, agentID, chainID, func() error {
		rec, err := t.store.Get(ctx, agentID, chainID)
		if err != nil {
			return err
		}
		if rec.Status != StatusFailed || !rec.Reconcilable {
			return nil
		}
		rec.Reconcilable = false
		if reason != "" {
			rec.LastError = reason
		}
		rec.UpdatedAt = t.now().Unix()
		return t.store.Put(ctx, rec)
	})
}

// Get returns the full record or ErrNotFound.
func (t *Tracker) Get(ctx context.Context, agentID, chainID uint64) (*Record, error) {
	return t.store.Get(ctx, agentID, chainID)
}

// GetStatus returns nil when no record exists.
func (t *Tracker) GetStatus(ctx context.Context, agentID, chainID uint64) (*Status, error) {
	rec, err := t.store.Get(ctx, agentID, chainID)
	if stdErrors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	status := rec.Status
	return &status, nil
}

// ListDeployedChains returns chains with a completed record, ascending.
func (t *Tracker) ListDeployedChains(ctx context.Context, agentID uint64) ([]uint64, error) {
	records, err := t.store.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	chains := make([]uint64, 0, len(records))
	for _, rec := range records {
		if rec.Status == StatusCompleted {
			chains = append(chains, rec.ChainID)
		}
	}
	return chains, nil
}

// ListByAgent returns every record of the agent.
func (t *Tracker) ListByAgent(ctx context.Context, agentID uint64) ([]*Record, error) {
	return t.store.ListByAgent(ctx, agentID)
}

// ListReconcilable returns failed records awaiting reconciliation.
func (t *Tracker) ListReconcilable(ctx context.Context, limit int) ([]*Record, error) {
	return t.store.ListReconcilable(ctx, limit)
}

func (t *Tracker) withKey(ctx context.Context, agentID, chainID uint64, fn func() error) error {
	key := Key{AgentID: agentID, ChainID: chainID}.String()
	unlock, err := t.locker.Lock(ctx, key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConflict, err, "获取部署记录锁失败")
	}
	defer unlock()
	return fn()
}

func (t *Tracker) notify(ctx context.Context, rec *Record) {
	if t.notifier == nil {
		return
	}
	t.notifier.DeploymentChanged(ctx, *rec)
}

func describe(rec *Record) string {
	if rec.Status == StatusFailed && rec.Reconcilable {
		return "awaiting reconciliation"
	}
	return string(rec.Status)
}
