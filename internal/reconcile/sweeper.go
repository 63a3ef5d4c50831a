package reconcile

import (
	"context"
	"log/slog"
	"time"

	"AgentNexus-Chain/pkg/logger"
)

// Sweeper re-enqueues every reconcilable record on an interval, which picks
// up records whose job was lost or predates a restart. Jobs continue from the
// record's reconcile attempt count.
type Sweeper struct {
	tracker  Tracker
	producer Producer
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewSweeper 创建定期扫描器。
func NewSweeper(tracker Tracker, producer Producer, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{tracker: tracker, producer: producer, interval: interval, batch: batch, log: logger.Named("reconcile")}
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			s.log.Warn("扫描待对账记录失败", slog.Any("error", err))
		} else if n > 0 {
			s.log.Info("已投递待对账记录", slog.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce enqueues up to batch records and reports how many were queued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	records, err := s.tracker.ListReconcilable(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, rec := range records {
		job := Job{AgentID: rec.AgentID, ChainID: rec.ChainID, Attempt: rec.ReconcileAttempts + 1, EnqueuedAt: time.Now().UTC()}
		if err := publish(ctx, s.producer, job); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}
