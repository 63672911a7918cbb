package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillkom/archive-pipeline/internal/observability/metrics"
)

type stuckResetter interface {
	ResetStuck(ctx context.Context, olderThan time.Duration, resume bool) (int, error)
}

// Sweeper periodically resets documents whose step has been processing for too long.
type Sweeper struct {
	ops       stuckResetter
	olderThan time.Duration
	resume    bool
	metrics   *metrics.WorkerMetrics
	logger    *slog.Logger
}

func NewSweeper(ops stuckResetter, olderThan time.Duration, resume bool, workerMetrics *metrics.WorkerMetrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ops:       ops,
		olderThan: olderThan,
		resume:    resume,
		metrics:   workerMetrics,
		logger:    logger,
	}
}

// Run blocks until ctx is done, sweeping on schedule. Overlapping runs are skipped.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { _, _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", schedule, err)
	}

	c.Start()
	s.logger.Info("stuck_sweeper_started", "schedule", schedule, "older_than", s.olderThan.String())

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("stuck_sweeper_stopped")
	return nil
}

func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	reset, err := s.ops.ResetStuck(ctx, s.olderThan, s.resume)
	if s.metrics != nil {
		s.metrics.RecordSweep(serviceName, reset, err)
	}
	switch {
	case err != nil:
		s.logger.Error("stuck_sweep_failed", "reset", reset, "error", err)
	case reset > 0:
		s.logger.Warn("stuck_sweep_reset", "reset", reset)
	default:
		s.logger.Debug("stuck_sweep_clean")
	}
	return reset, err
}
