// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
	"github.com/parallax-search/crawlsched/internal/metrics"
	"github.com/parallax-search/crawlsched/internal/worker"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, jobs.QueueItem) (jobs.RunOutcome, error) {
	return jobs.OutcomeComplete, nil
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()
	metrics.Init()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, noopExecutor{}, zap.NewNop())
	dispatch := New([]*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ jobs.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return jobs.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}
