// Package feeder admits due crawl jobs. Submission pre-creates the job and
// run rows so every job is visible in the database before it can execute;
// the drain loop then moves buffered admissions into the worker queue one
// tenant at a time so a single busy tenant cannot monopolize the workers.
package feeder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
	"github.com/parallax-search/crawlsched/internal/metrics"
)

// JobCreator is the slice of the job store the feeder needs.
type JobCreator interface {
	Create(ctx context.Context, job jobs.Job) error
	MarkFailed(ctx context.Context, jobID, note string, at time.Time) error
}

// RunWriter creates the crawl run row tied to a job and finalizes it when an
// admission rolls back.
type RunWriter interface {
	Create(ctx context.Context, run jobs.CrawlRun) error
	Complete(ctx context.Context, run jobs.CrawlRun, finishedAt time.Time) error
}

// SlotReserver reserves tenant concurrency slots ahead of execution.
type SlotReserver interface {
	PreAcquire(ctx context.Context, tenantID, jobID string) (bool, error)
	EnsureReleased(ctx context.Context, jobID, tenantID string)
}

// Config controls admission behavior.
type Config struct {
	// PreAcquireSlots reserves the tenant slot at admission instead of at
	// execution. Jobs admitted this way skip the acquire race at pickup.
	PreAcquireSlots bool
	// DrainInterval is the pause between drain sweeps.
	DrainInterval time.Duration
	// BatchPerTenant bounds how many jobs one tenant may move into the
	// worker queue per sweep.
	BatchPerTenant int
}

// Feeder admits jobs into the buffer and drains them into the worker queue.
type Feeder struct {
	jobStore JobCreator
	runStore RunWriter
	slots    SlotReserver
	buffer   jobs.Buffer
	queue    jobs.Queue
	ids      jobs.IDGenerator
	clock    jobs.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Feeder.
func New(jobStore JobCreator, runStore RunWriter, slots SlotReserver, buffer jobs.Buffer, queue jobs.Queue, ids jobs.IDGenerator, clock jobs.Clock, cfg Config, logger *zap.Logger) *Feeder {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Second
	}
	if cfg.BatchPerTenant <= 0 {
		cfg.BatchPerTenant = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feeder{
		jobStore: jobStore,
		runStore: runStore,
		slots:    slots,
		buffer:   buffer,
		queue:    queue,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Submit admits a crawl of the target: it creates the job and run rows, then
// pushes the admission item. A push failure rolls the job back to failed and
// returns any reserved slot, so the database never carries a queued job that
// no queue knows about.
func (f *Feeder) Submit(ctx context.Context, target jobs.CrawlTarget) (string, error) {
	jobID, err := f.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	runID, err := f.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := f.clock.Now().UTC()

	job := jobs.Job{
		ID:        jobID,
		Kind:      jobs.KindCrawl,
		Status:    jobs.StatusQueued,
		TenantID:  target.TenantID,
		CreatedAt: now,
	}
	if err := f.jobStore.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	run := jobs.CrawlRun{ID: runID, JobID: jobID, TargetID: target.ID, CreatedAt: now}
	if err := f.runStore.Create(ctx, run); err != nil {
		f.abort(ctx, jobID, target.TenantID, "run creation failed: "+err.Error(), nil)
		return "", fmt.Errorf("create run: %w", err)
	}

	if f.cfg.PreAcquireSlots {
		ok, err := f.slots.PreAcquire(ctx, target.TenantID, jobID)
		if err != nil {
			f.logger.Warn("slot pre-acquire failed, deferring to pickup",
				zap.String("job_id", jobID), zap.String("tenant_id", target.TenantID), zap.Error(err))
		} else if !ok {
			metrics.ObserveSlotDenial(target.TenantID)
		}
	}

	item := jobs.QueueItem{
		JobID: jobID,
		Params: jobs.CrawlJobParams{
			TenantID: target.TenantID,
			TargetID: target.ID,
			RunID:    runID,
		},
		Attempt:       1,
		FirstQueuedAt: now,
	}
	if err := f.buffer.Push(ctx, item); err != nil {
		f.abort(ctx, jobID, target.TenantID, "admission push failed: "+err.Error(), &run)
		metrics.ObserveAdmissionPush("failed")
		return "", fmt.Errorf("push admission item: %w", err)
	}
	metrics.ObserveAdmissionPush("ok")
	f.logger.Info("job admitted",
		zap.String("job_id", jobID),
		zap.String("tenant_id", target.TenantID),
		zap.String("target_id", target.ID))
	return jobID, nil
}

// abort is the admission rollback: return the slot (if one was reserved),
// finalize the run row when it exists, and fail the job row so nothing
// resurrects it.
func (f *Feeder) abort(ctx context.Context, jobID, tenantID, note string, run *jobs.CrawlRun) {
	f.slots.EnsureReleased(ctx, jobID, tenantID)
	now := f.clock.Now().UTC()
	if run != nil {
		if err := f.runStore.Complete(ctx, *run, now); err != nil {
			f.logger.Error("admission rollback run finalize failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	if err := f.jobStore.MarkFailed(ctx, jobID, note, now); err != nil {
		f.logger.Error("admission rollback failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

// Run drains the admission buffer until the context ends.
func (f *Feeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Drain(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.logger.Error("drain sweep failed", zap.Error(err))
			}
		}
	}
}

// Drain performs one sweep: every buffered tenant moves up to BatchPerTenant
// items into the worker queue.
func (f *Feeder) Drain(ctx context.Context) error {
	tenants, err := f.buffer.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list buffered tenants: %w", err)
	}
	for _, tenant := range tenants {
		for range f.cfg.BatchPerTenant {
			item, ok, err := f.buffer.Pop(ctx, tenant)
			if err != nil {
				return fmt.Errorf("pop tenant %s: %w", tenant, err)
			}
			if !ok {
				break
			}
			if err := f.queue.Enqueue(ctx, item); err != nil {
				// Shutting down mid-sweep: put the item back so it is not
				// lost between buffer and queue.
				if pushErr := f.buffer.Push(ctx, item); pushErr != nil {
					f.logger.Error("requeue of undelivered admission failed",
						zap.String("job_id", item.JobID), zap.Error(pushErr))
				}
				return fmt.Errorf("enqueue job %s: %w", item.JobID, err)
			}
		}
	}
	return nil
}
