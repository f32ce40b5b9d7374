// Package worker implements the job execution loop.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
	"github.com/parallax-search/crawlsched/internal/metrics"
)

// Executor runs one dequeued job to a verdict.
type Executor interface {
	Execute(ctx context.Context, item jobs.QueueItem) (jobs.RunOutcome, error)
}

// Worker consumes queue items and executes them.
type Worker struct {
	queue  jobs.Queue
	exec   Executor
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue jobs.Queue, exec Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, exec: exec, logger: logger}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item jobs.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	outcome, err := w.exec.Execute(ctx, item)
	if err != nil {
		w.logger.Error("job execution failed",
			zap.String("job_id", item.JobID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		return
	}
	w.logger.Info("job processed",
		zap.String("job_id", item.JobID),
		zap.String("outcome", string(outcome)))
}
