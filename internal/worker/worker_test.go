package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
	"github.com/parallax-search/crawlsched/internal/metrics"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []jobs.QueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, item jobs.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return jobs.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
}

type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	outcome  jobs.RunOutcome
	err      error
}

func (e *recordingExecutor) Execute(_ context.Context, item jobs.QueueItem) (jobs.RunOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, item.JobID)
	return e.outcome, e.err
}

func (e *recordingExecutor) jobIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

func TestWorkerExecutesDequeuedJobs(t *testing.T) {
	t.Parallel()
	metrics.Init()

	queue := &fakeQueue{items: []jobs.QueueItem{
		{JobID: "job-1"},
		{JobID: "job-2"},
	}}
	exec := &recordingExecutor{outcome: jobs.OutcomeComplete}
	w := New(queue, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(exec.jobIDs()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
	require.Equal(t, []string{"job-1", "job-2"}, exec.jobIDs())
}

func TestWorkerContinuesAfterExecutionError(t *testing.T) {
	t.Parallel()
	metrics.Init()

	queue := &fakeQueue{items: []jobs.QueueItem{
		{JobID: "job-1"},
		{JobID: "job-2"},
	}}
	exec := &recordingExecutor{outcome: jobs.OutcomeFailed, err: errors.New("claim job: connection refused")}
	w := New(queue, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Both jobs run despite the first failing.
	require.Eventually(t, func() bool {
		return len(exec.jobIDs()) == 2
	}, time.Second, 10*time.Millisecond)
}
