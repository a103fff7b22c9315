package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the background reconciliation sweep.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler executes the active-listing sweep on a fixed cadence. Read-repair
// already covers listings that callers actually look at; the sweep exists for
// listings nobody has read since they went stale on chain.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: cfg.Reconciler, interval: interval, logger: logger}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repaired, err := s.reconciler.SweepActive(ctx)
			if err != nil {
				s.logger.Warn("reconciliation sweep failed", "error", err)
				continue
			}
			if repaired > 0 {
				s.logger.Info("reconciliation sweep repaired listings", "count", repaired)
			}
		}
	}
}
