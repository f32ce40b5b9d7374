package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallax-search/crawlsched/internal/breaker"
	"github.com/parallax-search/crawlsched/internal/heartbeat"
	"github.com/parallax-search/crawlsched/internal/jobs"
	"github.com/parallax-search/crawlsched/internal/metrics"
)

type fakeJobStore struct {
	status    map[string]jobs.Status
	history   map[string][]jobs.Status
	failed    map[string]string
	casErr    error
	oldestID  string
	oldestOK  bool
	oldestErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		status:  make(map[string]jobs.Status),
		history: make(map[string][]jobs.Status),
		failed:  make(map[string]string),
	}
}

func (f *fakeJobStore) CASStatus(_ context.Context, jobID string, from, to jobs.Status, _ time.Time) (bool, error) {
	if f.casErr != nil {
		return false, f.casErr
	}
	if f.status[jobID] != from {
		return false, nil
	}
	f.status[jobID] = to
	f.history[jobID] = append(f.history[jobID], to)
	return true, nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, jobID, note string, _ time.Time) error {
	f.status[jobID] = jobs.StatusFailed
	f.history[jobID] = append(f.history[jobID], jobs.StatusFailed)
	f.failed[jobID] = note
	return nil
}

// requireForwardOnly asserts the recorded transitions never revisit queued
// once the job left it.
func requireForwardOnly(t *testing.T, history []jobs.Status) {
	t.Helper()
	left := false
	for _, status := range history {
		if status != jobs.StatusQueued {
			left = true
			continue
		}
		require.False(t, left, "job returned to queued after leaving it: %v", history)
	}
}

func (f *fakeJobStore) OldestActiveJobForTarget(_ context.Context, _ string) (string, bool, error) {
	return f.oldestID, f.oldestOK, f.oldestErr
}

type fakeRunStore struct {
	completed []jobs.CrawlRun
}

func (f *fakeRunStore) Complete(_ context.Context, run jobs.CrawlRun, _ time.Time) error {
	f.completed = append(f.completed, run)
	return nil
}

type fakeTargetStore struct {
	target  jobs.CrawlTarget
	getErr  error
	updates []breaker.Update
}

func (f *fakeTargetStore) Get(_ context.Context, _ string) (jobs.CrawlTarget, error) {
	return f.target, f.getErr
}

func (f *fakeTargetStore) ApplyBreaker(_ context.Context, _ string, update breaker.Update, _ time.Time) error {
	f.updates = append(f.updates, update)
	return nil
}

type fakeSlots struct {
	adoptable bool
	grant     bool
	acquires  int
	released  []string
	delay     time.Duration
}

func (f *fakeSlots) Adopt(_ context.Context, _, _ string) (bool, error) {
	return f.adoptable, nil
}

func (f *fakeSlots) Acquire(_ context.Context, _, _ string) (bool, error) {
	f.acquires++
	return f.grant, nil
}

func (f *fakeSlots) EnsureReleased(_ context.Context, jobID, _ string) {
	f.released = append(f.released, jobID)
}

func (f *fakeSlots) NextRequeueDelay(_ context.Context, _ string) time.Duration {
	if f.delay > 0 {
		return f.delay
	}
	return 15 * time.Second
}

type fakeRequeuer struct {
	items  []jobs.QueueItem
	delays []time.Duration
	err    error
}

func (f *fakeRequeuer) RequeueAfter(_ context.Context, item jobs.QueueItem, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	f.delays = append(f.delays, delay)
	return nil
}

type fakeMonitor struct {
	fatal    error
	fatalAt  int
	beats    int
	stopped  bool
	interval time.Duration
}

func (f *fakeMonitor) Beat(context.Context) error {
	f.beats++
	if f.fatal != nil && f.beats > f.fatalAt {
		return f.fatal
	}
	return nil
}

func (f *fakeMonitor) Interval() time.Duration {
	if f.interval > 0 {
		return f.interval
	}
	return 30 * time.Second
}

func (f *fakeMonitor) Stop() { f.stopped = true }

func (f *fakeMonitor) Err() error {
	if f.fatal != nil && f.beats > f.fatalAt {
		return f.fatal
	}
	return nil
}

type fakeCrawler struct {
	batches  []jobs.CrawlBatch
	startErr error
	beatsPer int
}

func (f *fakeCrawler) Crawl(ctx context.Context, _ jobs.CrawlTarget, beat jobs.HeartbeatFunc, _ time.Duration) (<-chan jobs.CrawlBatch, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	out := make(chan jobs.CrawlBatch, len(f.batches))
	go func() {
		defer close(out)
		for _, batch := range f.batches {
			for range max(f.beatsPer, 1) {
				if beat(ctx) != nil {
					return
				}
			}
			out <- batch
		}
	}()
	return out, nil
}

type fakeIndexer struct {
	err error
}

func (f *fakeIndexer) IndexBatch(_ context.Context, _ string, batch jobs.CrawlBatch) (jobs.IndexStats, error) {
	if f.err != nil {
		return jobs.IndexStats{PagesFailed: len(batch.Pages), FilesFailed: len(batch.Files)}, f.err
	}
	return jobs.IndexStats{PagesIndexed: len(batch.Pages), FilesIndexed: len(batch.Files)}, nil
}

type fakePublisher struct {
	events []jobs.CompletionEvent
}

func (f *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if event, ok := payload.(jobs.CompletionEvent); ok {
		f.events = append(f.events, event)
	}
	return "msg-1", nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixture struct {
	orch      *Orchestrator
	jobStore  *fakeJobStore
	runStore  *fakeRunStore
	targets   *fakeTargetStore
	slots     *fakeSlots
	requeuer  *fakeRequeuer
	monitor   *fakeMonitor
	crawler   *fakeCrawler
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metrics.Init()
	f := &fixture{
		jobStore: newFakeJobStore(),
		runStore: &fakeRunStore{},
		targets: &fakeTargetStore{target: jobs.CrawlTarget{
			ID: "target-1", TenantID: "tenant-a", URL: "https://docs.example.com", Enabled: true,
		}},
		slots:    &fakeSlots{grant: true},
		requeuer: &fakeRequeuer{},
		monitor:  &fakeMonitor{},
		crawler: &fakeCrawler{batches: []jobs.CrawlBatch{
			{Pages: []jobs.Page{{URL: "https://docs.example.com/a"}}},
			{Pages: []jobs.Page{{URL: "https://docs.example.com/b"}}, Files: []jobs.FileRef{{Name: "f.pdf", URI: "u"}}},
		}},
		publisher: &fakePublisher{},
	}
	f.jobStore.status["job-1"] = jobs.StatusQueued
	f.jobStore.oldestID, f.jobStore.oldestOK = "job-1", true

	f.orch = New(
		f.jobStore, f.runStore, f.targets, f.slots, f.requeuer,
		func(_, _ string) Heartbeat { return f.monitor },
		f.crawler, &fakeIndexer{}, f.publisher,
		breaker.DefaultConfig(),
		fixedClock{now: time.Unix(1700000000, 0).UTC()},
		Config{MaxQueueAge: 30 * time.Minute},
		nil,
	)
	return f
}

func queuedItem() jobs.QueueItem {
	return jobs.QueueItem{
		JobID: "job-1",
		Params: jobs.CrawlJobParams{
			TenantID: "tenant-a", TargetID: "target-1", RunID: "run-1",
		},
		Attempt:       1,
		FirstQueuedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeComplete, outcome)

	require.Equal(t, jobs.StatusComplete, f.jobStore.status["job-1"])
	require.Len(t, f.runStore.completed, 1)
	require.Equal(t, 2, f.runStore.completed[0].PagesCrawled)
	require.Equal(t, 1, f.runStore.completed[0].FilesCrawled)

	// Success resets the breaker and releases the slot exactly once.
	require.Equal(t, []breaker.Update{{}}, f.targets.updates)
	require.Equal(t, []string{"job-1"}, f.slots.released)
	require.True(t, f.monitor.stopped)

	require.Len(t, f.publisher.events, 1)
	require.Equal(t, jobs.StatusComplete, f.publisher.events[0].Status)
	requireForwardOnly(t, f.jobStore.history["job-1"])
}

func TestExecuteSkipsResurrectedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.jobStore.status["job-1"] = jobs.StatusFailed

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomePreempted, outcome)

	// No crawl ran and the externally set status survived.
	require.Equal(t, jobs.StatusFailed, f.jobStore.status["job-1"])
	require.Empty(t, f.runStore.completed)
	require.Equal(t, []string{"job-1"}, f.slots.released)
}

func TestExecuteYieldsToOldestDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.jobStore.oldestID = "job-0"

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeDuplicate, outcome)
	require.Contains(t, f.jobStore.failed["job-1"], "duplicate of job job-0")
	require.Equal(t, []string{"job-1"}, f.slots.released)
	require.Empty(t, f.runStore.completed)
}

func TestExecuteRequeuesWhenTenantBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.slots.grant = false
	f.slots.delay = 17 * time.Second

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeRequeued, outcome)

	// The row never left queued: the semaphore gate runs before the claim.
	require.Equal(t, jobs.StatusQueued, f.jobStore.status["job-1"])
	require.Empty(t, f.jobStore.history["job-1"])
	requireForwardOnly(t, f.jobStore.history["job-1"])
	require.Len(t, f.requeuer.items, 1)
	require.Equal(t, 2, f.requeuer.items[0].Attempt)
	require.Equal(t, 17*time.Second, f.requeuer.delays[0])
}

func TestExecuteReleasesSlotOnClaimError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.jobStore.casErr = errors.New("db unreachable")

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.Error(t, err)
	require.Equal(t, jobs.OutcomeFailed, outcome)

	// The slot acquired ahead of the failed claim does not leak.
	require.Equal(t, []string{"job-1"}, f.slots.released)
	require.Empty(t, f.publisher.events)
}

func TestExecuteAbandonsOverageJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.slots.grant = false

	item := queuedItem()
	item.FirstQueuedAt = time.Unix(1700000000, 0).UTC().Add(-time.Hour)
	item.Attempt = 40

	outcome, err := f.orch.Execute(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeAbandoned, outcome)
	require.Contains(t, f.jobStore.failed["job-1"], "abandoned")
	require.Empty(t, f.requeuer.items)
}

func TestExecuteAdoptsPreAcquiredSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.slots.adoptable = true
	f.slots.grant = false // a fresh acquire would fail

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeComplete, outcome)
	require.Zero(t, f.slots.acquires)
}

func TestExecuteStopsOnPreemption(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.monitor.fatal = heartbeat.ErrJobPreempted
	f.monitor.fatalAt = 1 // first beat inside the crawl turns fatal

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomePreempted, outcome)

	// Preemption writes no terminal status; whoever preempted owns the row.
	require.Equal(t, jobs.StatusInProgress, f.jobStore.status["job-1"])
	require.Empty(t, f.publisher.events)
	require.Equal(t, []string{"job-1"}, f.slots.released)
}

func TestExecuteFailsJobOnHeartbeatFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.monitor.fatal = heartbeat.ErrHeartbeatFailed
	f.monitor.fatalAt = 1

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeHeartbeatFailed, outcome)
	require.Contains(t, f.jobStore.failed["job-1"], "heartbeat failed")
	require.Equal(t, []string{"job-1"}, f.slots.released)
}

func TestExecuteAdvancesBreakerOnCrawlFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.targets.target.ConsecutiveFailures = 2
	f.crawler.batches = []jobs.CrawlBatch{
		{Pages: []jobs.Page{{URL: "https://docs.example.com/a"}}, IsPartial: true, TerminationReason: "connection reset"},
	}

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeFailed, outcome)

	require.Len(t, f.targets.updates, 1)
	require.Equal(t, 3, f.targets.updates[0].ConsecutiveFailures)
	require.NotNil(t, f.targets.updates[0].NextRetryAt)
	require.False(t, f.targets.updates[0].Disabled)

	require.Contains(t, f.jobStore.failed["job-1"], "connection reset")
	require.Len(t, f.publisher.events, 1)
	require.Equal(t, jobs.StatusFailed, f.publisher.events[0].Status)
}

func TestExecuteDisablesTargetAtThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.targets.target.ConsecutiveFailures = 9
	f.crawler.startErr = errors.New("dns lookup failed")

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeFailed, outcome)

	require.Len(t, f.targets.updates, 1)
	require.True(t, f.targets.updates[0].Disabled)
	require.Equal(t, 10, f.targets.updates[0].ConsecutiveFailures)
	require.Nil(t, f.targets.updates[0].NextRetryAt)
}

func TestExecuteFailsOnIndexerError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.orch.indexer = &fakeIndexer{err: errors.New("search backend down")}

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomeFailed, outcome)
	require.Contains(t, f.jobStore.failed["job-1"], "indexing failed")

	// Counters for the failed batch still land on the run row.
	require.Len(t, f.runStore.completed, 1)
	require.Equal(t, 1, f.runStore.completed[0].PagesFailed)
}

func TestExecuteYieldsWhenCompletionCASLoses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.crawler.batches = nil

	// Force the final CAS to lose: the status flips externally right after
	// the crawl finishes.
	f.monitor.fatal = nil
	f.orch.jobStore = &losingJobStore{fakeJobStore: f.jobStore}

	outcome, err := f.orch.Execute(context.Background(), queuedItem())
	require.NoError(t, err)
	require.Equal(t, jobs.OutcomePreempted, outcome)
	require.Empty(t, f.publisher.events)
}

// losingJobStore lets the claim CAS through, then fails the job externally
// so the completion CAS loses.
type losingJobStore struct {
	*fakeJobStore
}

func (l *losingJobStore) CASStatus(ctx context.Context, jobID string, from, to jobs.Status, at time.Time) (bool, error) {
	swapped, err := l.fakeJobStore.CASStatus(ctx, jobID, from, to, at)
	if swapped && to == jobs.StatusInProgress {
		l.status[jobID] = jobs.StatusFailed
	}
	return swapped, err
}
