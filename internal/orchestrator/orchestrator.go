// Package orchestrator executes one crawl job end to end: claim the job row,
// win the duplicate guard, hold a tenant slot, run the crawl under a
// heartbeat, then persist the outcome. Every exit path releases the tenant
// slot exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/breaker"
	"github.com/parallax-search/crawlsched/internal/heartbeat"
	"github.com/parallax-search/crawlsched/internal/jobs"
	"github.com/parallax-search/crawlsched/internal/metrics"
)

// JobStore is the slice of the job store the orchestrator needs.
type JobStore interface {
	CASStatus(ctx context.Context, jobID string, from, to jobs.Status, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, jobID, note string, at time.Time) error
	OldestActiveJobForTarget(ctx context.Context, targetID string) (string, bool, error)
}

// RunStore finalizes crawl run rows.
type RunStore interface {
	Complete(ctx context.Context, run jobs.CrawlRun, finishedAt time.Time) error
}

// TargetStore reads targets and persists breaker transitions.
type TargetStore interface {
	Get(ctx context.Context, targetID string) (jobs.CrawlTarget, error)
	ApplyBreaker(ctx context.Context, targetID string, update breaker.Update, crawledAt time.Time) error
}

// Slots is the tenant semaphore surface used during execution.
type Slots interface {
	Adopt(ctx context.Context, tenantID, jobID string) (bool, error)
	Acquire(ctx context.Context, tenantID, jobID string) (bool, error)
	EnsureReleased(ctx context.Context, jobID, tenantID string)
	NextRequeueDelay(ctx context.Context, tenantID string) time.Duration
}

// Requeuer returns a busy job to the admission buffer after a delay.
type Requeuer interface {
	RequeueAfter(ctx context.Context, item jobs.QueueItem, delay time.Duration) error
}

// Heartbeat is one job attempt's liveness monitor.
type Heartbeat interface {
	Beat(ctx context.Context) error
	Interval() time.Duration
	Stop()
	Err() error
}

// MonitorFactory builds the heartbeat monitor for a job attempt.
type MonitorFactory func(jobID, tenantID string) Heartbeat

// Config bounds queue residency and names the completion topic.
type Config struct {
	// MaxQueueAge is the ceiling on total time a job may spend waiting for a
	// slot across busy requeues before it is abandoned.
	MaxQueueAge time.Duration
	// CompletionTopic receives terminal job events.
	CompletionTopic string
}

// Orchestrator runs crawl jobs pulled from the worker queue.
type Orchestrator struct {
	jobStore    JobStore
	runStore    RunStore
	targetStore TargetStore
	slots       Slots
	requeuer    Requeuer
	monitors    MonitorFactory
	crawler     jobs.Crawler
	indexer     jobs.Indexer
	publisher   jobs.Publisher
	breaker     breaker.Config
	clock       jobs.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs an Orchestrator.
func New(
	jobStore JobStore,
	runStore RunStore,
	targetStore TargetStore,
	slots Slots,
	requeuer Requeuer,
	monitors MonitorFactory,
	crawler jobs.Crawler,
	indexer jobs.Indexer,
	publisher jobs.Publisher,
	breakerCfg breaker.Config,
	clock jobs.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxQueueAge <= 0 {
		cfg.MaxQueueAge = 30 * time.Minute
	}
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "crawl-completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobStore:    jobStore,
		runStore:    runStore,
		targetStore: targetStore,
		slots:       slots,
		requeuer:    requeuer,
		monitors:    monitors,
		crawler:     crawler,
		indexer:     indexer,
		publisher:   publisher,
		breaker:     breakerCfg,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute runs one dequeued job to a verdict. The returned error reports
// infrastructure faults only; business outcomes (duplicate, busy, preempted)
// arrive through the RunOutcome.
func (o *Orchestrator) Execute(ctx context.Context, item jobs.QueueItem) (jobs.RunOutcome, error) {
	logger := o.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("tenant_id", item.Params.TenantID),
		zap.String("target_id", item.Params.TargetID))

	// Gate on the tenant semaphore before touching the row: a busy tenant
	// requeues the job while it is still queued, so the status only ever
	// moves forward.
	granted, err := o.holdSlot(ctx, item)
	if err != nil {
		logger.Warn("slot acquisition errored, treating tenant as busy", zap.Error(err))
	}
	if !granted {
		metrics.ObserveSlotDenial(item.Params.TenantID)
		return o.handleBusy(ctx, item, logger)
	}

	now := o.clock.Now().UTC()

	// Claim the row. A failed swap means someone else already moved the job
	// (watchdog fail, operator cancel, an earlier attempt); never run it.
	claimed, err := o.jobStore.CASStatus(ctx, item.JobID, jobs.StatusQueued, jobs.StatusInProgress, now)
	if err != nil {
		o.slots.EnsureReleased(ctx, item.JobID, item.Params.TenantID)
		return jobs.OutcomeFailed, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		logger.Info("job no longer queued, skipping")
		o.slots.EnsureReleased(ctx, item.JobID, item.Params.TenantID)
		o.observe(jobs.OutcomePreempted)
		return jobs.OutcomePreempted, nil
	}

	// Oldest active job for the target wins; every younger duplicate fails.
	oldestID, found, err := o.jobStore.OldestActiveJobForTarget(ctx, item.Params.TargetID)
	if err != nil {
		return jobs.OutcomeFailed, o.failJob(ctx, item, "duplicate check failed: "+err.Error(), logger)
	}
	if found && oldestID != item.JobID {
		logger.Info("duplicate job for target, yielding", zap.String("oldest_job_id", oldestID))
		if err := o.jobStore.MarkFailed(ctx, item.JobID, "duplicate of job "+oldestID, o.clock.Now().UTC()); err != nil {
			logger.Error("duplicate mark failed", zap.Error(err))
		}
		o.slots.EnsureReleased(ctx, item.JobID, item.Params.TenantID)
		o.observe(jobs.OutcomeDuplicate)
		return jobs.OutcomeDuplicate, nil
	}

	return o.run(ctx, item, logger)
}

// holdSlot adopts a pre-acquired slot when the admission path reserved one,
// otherwise acquires fresh.
func (o *Orchestrator) holdSlot(ctx context.Context, item jobs.QueueItem) (bool, error) {
	adopted, err := o.slots.Adopt(ctx, item.Params.TenantID, item.JobID)
	if err != nil {
		return false, err
	}
	if adopted {
		return true, nil
	}
	return o.slots.Acquire(ctx, item.Params.TenantID, item.JobID)
}

// handleBusy returns the job to the buffer with a jittered delay, or abandons
// it once its total queue residency exceeds the ceiling. The row is still
// queued here, so no status write is needed to make the next claim succeed.
func (o *Orchestrator) handleBusy(ctx context.Context, item jobs.QueueItem, logger *zap.Logger) (jobs.RunOutcome, error) {
	now := o.clock.Now().UTC()
	if now.Sub(item.FirstQueuedAt) >= o.cfg.MaxQueueAge {
		logger.Warn("job exceeded max queue age, abandoning",
			zap.Duration("waited", now.Sub(item.FirstQueuedAt)))
		if err := o.jobStore.MarkFailed(ctx, item.JobID,
			fmt.Sprintf("abandoned: no tenant slot within %s", o.cfg.MaxQueueAge), now); err != nil {
			logger.Error("abandon mark failed", zap.Error(err))
		}
		o.slots.EnsureReleased(ctx, item.JobID, item.Params.TenantID)
		o.observe(jobs.OutcomeAbandoned)
		return jobs.OutcomeAbandoned, nil
	}

	delay := o.slots.NextRequeueDelay(ctx, item.Params.TenantID)
	next := item
	next.Attempt++
	if err := o.requeuer.RequeueAfter(ctx, next, delay); err != nil {
		return jobs.OutcomeFailed, o.failJob(ctx, item, "busy requeue failed: "+err.Error(), logger)
	}
	logger.Info("tenant busy, requeued",
		zap.Duration("delay", delay), zap.Int("attempt", next.Attempt))
	o.observe(jobs.OutcomeRequeued)
	return jobs.OutcomeRequeued, nil
}

// run drives the crawl itself under a heartbeat monitor. The slot is held on
// entry and released on every path out.
func (o *Orchestrator) run(ctx context.Context, item jobs.QueueItem, logger *zap.Logger) (jobs.RunOutcome, error) {
	defer o.slots.EnsureReleased(ctx, item.JobID, item.Params.TenantID)

	target, err := o.targetStore.Get(ctx, item.Params.TargetID)
	if err != nil {
		return jobs.OutcomeFailed, o.failJob(ctx, item, "target lookup failed: "+err.Error(), logger)
	}

	monitor := o.monitors(item.JobID, item.Params.TenantID)
	defer monitor.Stop()

	// First tick before any crawl work: liveness exists the moment the job
	// is in progress.
	if err := monitor.Beat(ctx); err != nil {
		return o.finishMonitorFatal(ctx, item, target, err, logger)
	}

	started := o.clock.Now().UTC()
	batches, err := o.crawler.Crawl(ctx, target, monitor.Beat, monitor.Interval())
	if err != nil {
		return o.finishFailed(ctx, item, target, jobs.CrawlRun{}, "crawl start failed: "+err.Error(), logger)
	}

	run := jobs.CrawlRun{ID: item.Params.RunID, JobID: item.JobID, TargetID: target.ID}
	var crawlFailure string
	for batch := range batches {
		stats, err := o.indexer.IndexBatch(ctx, item.JobID, batch)
		run.PagesCrawled += stats.PagesIndexed
		run.PagesFailed += stats.PagesFailed
		run.FilesCrawled += stats.FilesIndexed
		run.FilesFailed += stats.FilesFailed
		if err != nil {
			crawlFailure = "indexing failed: " + err.Error()
			break
		}
		if batch.TerminationReason != "" {
			crawlFailure = batch.TerminationReason
		}
		if fatal := monitor.Err(); fatal != nil {
			return o.finishMonitorFatal(ctx, item, target, fatal, logger)
		}
	}
	if fatal := monitor.Err(); fatal != nil {
		return o.finishMonitorFatal(ctx, item, target, fatal, logger)
	}
	monitor.Stop()

	finishedAt := o.clock.Now().UTC()
	if err := o.runStore.Complete(ctx, run, finishedAt); err != nil {
		logger.Error("run finalize failed", zap.Error(err))
	}
	metrics.ObserveRunDuration(target.URL, finishedAt.Sub(started))

	if crawlFailure != "" {
		return o.finishFailed(ctx, item, target, run, crawlFailure, logger)
	}
	return o.finishComplete(ctx, item, target, run, logger)
}

// finishComplete records success: breaker reset, terminal CAS, completion
// event.
func (o *Orchestrator) finishComplete(ctx context.Context, item jobs.QueueItem, target jobs.CrawlTarget, run jobs.CrawlRun, logger *zap.Logger) (jobs.RunOutcome, error) {
	now := o.clock.Now().UTC()
	if err := o.targetStore.ApplyBreaker(ctx, target.ID, o.breaker.OnSuccess(), now); err != nil {
		logger.Error("breaker reset failed", zap.Error(err))
	}
	swapped, err := o.jobStore.CASStatus(ctx, item.JobID, jobs.StatusInProgress, jobs.StatusComplete, now)
	if err != nil {
		return jobs.OutcomeFailed, fmt.Errorf("complete job: %w", err)
	}
	if !swapped {
		logger.Info("job moved externally before completion, yielding")
		o.observe(jobs.OutcomePreempted)
		return jobs.OutcomePreempted, nil
	}
	o.publishCompletion(ctx, item, target, jobs.StatusComplete, run, "", now)
	logger.Info("job complete",
		zap.Int("pages_crawled", run.PagesCrawled),
		zap.Int("files_crawled", run.FilesCrawled))
	o.observe(jobs.OutcomeComplete)
	return jobs.OutcomeComplete, nil
}

// finishFailed records a crawl failure: breaker advance, terminal mark,
// completion event.
func (o *Orchestrator) finishFailed(ctx context.Context, item jobs.QueueItem, target jobs.CrawlTarget, run jobs.CrawlRun, reason string, logger *zap.Logger) (jobs.RunOutcome, error) {
	now := o.clock.Now().UTC()
	update := o.breaker.OnFailure(target.ConsecutiveFailures, now)
	if update.Disabled {
		logger.Warn("target disabled by breaker",
			zap.Int("consecutive_failures", update.ConsecutiveFailures))
		metrics.ObserveBreakerDisable()
	}
	if err := o.targetStore.ApplyBreaker(ctx, target.ID, update, now); err != nil {
		logger.Error("breaker advance failed", zap.Error(err))
	}
	if err := o.jobStore.MarkFailed(ctx, item.JobID, reason, now); err != nil {
		logger.Error("failure mark failed", zap.Error(err))
	}
	o.publishCompletion(ctx, item, target, jobs.StatusFailed, run, reason, now)
	logger.Warn("job failed", zap.String("reason", reason))
	o.observe(jobs.OutcomeFailed)
	return jobs.OutcomeFailed, nil
}

// finishMonitorFatal maps the two sticky heartbeat errors to their outcomes.
// Preemption writes nothing: whoever preempted the job owns its row.
func (o *Orchestrator) finishMonitorFatal(ctx context.Context, item jobs.QueueItem, target jobs.CrawlTarget, fatal error, logger *zap.Logger) (jobs.RunOutcome, error) {
	if errors.Is(fatal, heartbeat.ErrJobPreempted) {
		logger.Info("job preempted externally, stopping")
		o.observe(jobs.OutcomePreempted)
		return jobs.OutcomePreempted, nil
	}
	metrics.ObserveHeartbeatFailure()
	now := o.clock.Now().UTC()
	if err := o.jobStore.MarkFailed(ctx, item.JobID, "heartbeat failed: liveness unreachable", now); err != nil {
		logger.Error("heartbeat failure mark failed", zap.Error(err))
	}
	o.publishCompletion(ctx, item, target, jobs.StatusFailed, jobs.CrawlRun{}, "heartbeat failed", now)
	logger.Error("job stopped after heartbeat failure")
	o.observe(jobs.OutcomeHeartbeatFailed)
	return jobs.OutcomeHeartbeatFailed, nil
}

// failJob force-fails the row and returns the original reason as an error.
func (o *Orchestrator) failJob(ctx context.Context, item jobs.QueueItem, reason string, logger *zap.Logger) error {
	if err := o.jobStore.MarkFailed(ctx, item.JobID, reason, o.clock.Now().UTC()); err != nil {
		logger.Error("failure mark failed", zap.Error(err))
	}
	o.slots.EnsureReleased(ctx, item.JobID, item.Params.TenantID)
	o.observe(jobs.OutcomeFailed)
	return errors.New(reason)
}

func (o *Orchestrator) publishCompletion(ctx context.Context, item jobs.QueueItem, target jobs.CrawlTarget, status jobs.Status, run jobs.CrawlRun, errText string, at time.Time) {
	event := jobs.CompletionEvent{
		JobID:        item.JobID,
		TenantID:     item.Params.TenantID,
		TargetID:     target.ID,
		Status:       status,
		PagesCrawled: run.PagesCrawled,
		PagesFailed:  run.PagesFailed,
		FilesCrawled: run.FilesCrawled,
		FilesFailed:  run.FilesFailed,
		ErrorText:    errText,
		FinishedAt:   at,
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, event); err != nil {
		o.logger.Warn("completion event publish failed",
			zap.String("job_id", item.JobID), zap.Error(err))
	}
}

func (o *Orchestrator) observe(outcome jobs.RunOutcome) {
	metrics.ObserveJob(string(outcome))
}
