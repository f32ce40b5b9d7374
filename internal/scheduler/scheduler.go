// Package scheduler runs the leader-gated admission cycle: find due targets,
// submit each through the feeder. Exactly one instance admits per cycle; the
// rest skip and retry on the next tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
)

// Leader is the mutual-exclusion gate for one admission cycle.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) bool
}

// TargetSource lists targets due for crawling.
type TargetSource interface {
	Due(ctx context.Context, now time.Time, limit int) ([]jobs.CrawlTarget, error)
}

// Submitter admits one due target as a crawl job.
type Submitter interface {
	Submit(ctx context.Context, target jobs.CrawlTarget) (string, error)
}

// Config controls cycle pacing and batch size.
type Config struct {
	// Interval is the pause between admission cycles.
	Interval time.Duration
	// BatchLimit bounds how many due targets one cycle admits.
	BatchLimit int
}

// Scheduler drives periodic admission of due targets.
type Scheduler struct {
	leader  Leader
	targets TargetSource
	feeder  Submitter
	clock   jobs.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(leader Leader, targets TargetSource, feeder Submitter, clock jobs.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		leader:  leader,
		targets: targets,
		feeder:  feeder,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run executes admission cycles until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("admission cycle failed", zap.Error(err))
			}
		}
	}
}

// Cycle performs one admission pass. Losing the leader race skips the cycle
// silently. A submit failure for one target does not stop the rest; the
// target stays due and the next cycle retries it.
func (s *Scheduler) Cycle(ctx context.Context) error {
	won, err := s.leader.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("leader election: %w", err)
	}
	if !won {
		s.logger.Debug("not leader, skipping cycle")
		return nil
	}
	defer s.leader.Release(ctx)

	now := s.clock.Now().UTC()
	due, err := s.targets.Due(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list due targets: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	s.logger.Info("admitting due targets", zap.Int("count", len(due)))

	for _, target := range due {
		jobID, err := s.feeder.Submit(ctx, target)
		if err != nil {
			s.logger.Error("target admission failed",
				zap.String("target_id", target.ID),
				zap.String("tenant_id", target.TenantID),
				zap.Error(err))
			continue
		}
		s.logger.Debug("target admitted",
			zap.String("target_id", target.ID),
			zap.String("job_id", jobID))
	}
	return nil
}
