// Package heartbeat implements the per-job liveness monitor. Ticks are the
// only cancellation checkpoint a long crawl observes; a crashed worker stops
// ticking and an external watchdog reclaims the job once the liveness key
// expires.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/coordination"
	"github.com/parallax-search/crawlsched/internal/jobs"
)

// ErrJobPreempted signals that another actor already marked the job terminal;
// the current attempt must stop without writing further results.
var ErrJobPreempted = errors.New("job preempted: externally marked terminal")

// ErrHeartbeatFailed signals the liveness channel was unreachable beyond the
// failure threshold; the attempt stops rather than run unsupervised.
var ErrHeartbeatFailed = errors.New("heartbeat failed: liveness channel unreachable")

// StatusReader reads a job's current status. Implementations route through
// the resilient executor so a tick never pins a connection.
type StatusReader interface {
	JobStatus(ctx context.Context, jobID string) (jobs.Status, error)
}

// SlotRefresher extends the tenant semaphore slot TTL.
type SlotRefresher interface {
	RefreshSlot(ctx context.Context, tenantID string) error
}

// Config controls tick pacing and failure tolerance.
type Config struct {
	// Interval is how often the crawler invokes the beat callback.
	Interval time.Duration
	// MaxFailures is the consecutive-failure count after which a tick turns
	// fatal.
	MaxFailures int
}

// Monitor tracks liveness for one running job.
// State machine: idle -> ticking -> {failed, preempted, stopped}.
type Monitor struct {
	jobID    string
	tenantID string
	store    coordination.Store
	statuses StatusReader
	slots    SlotRefresher
	clock    jobs.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	failures int
	fatal    error
	stopped  bool
}

// New constructs a Monitor for one job attempt.
func New(
	jobID string,
	tenantID string,
	store coordination.Store,
	statuses StatusReader,
	slots SlotRefresher,
	clock jobs.Clock,
	cfg Config,
	logger *zap.Logger,
) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		jobID:    jobID,
		tenantID: tenantID,
		store:    store,
		statuses: statuses,
		slots:    slots,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Interval returns the tick cadence handed to the crawler.
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// Beat adapts Tick to the crawler's callback type.
func (m *Monitor) Beat(ctx context.Context) error {
	return m.Tick(ctx)
}

// Tick records liveness, refreshes the tenant slot TTL, and checks for
// external preemption. A fatal result is sticky: every later tick returns
// the same error.
func (m *Monitor) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fatal != nil {
		return m.fatal
	}
	if m.stopped {
		return nil
	}

	if err := m.refresh(ctx); err != nil {
		m.failures++
		m.logger.Warn("heartbeat tick failed",
			zap.String("job_id", m.jobID),
			zap.Int("consecutive_failures", m.failures),
			zap.Error(err))
		if m.failures >= m.cfg.MaxFailures {
			m.fatal = ErrHeartbeatFailed
			return m.fatal
		}
		return nil
	}
	m.failures = 0

	status, err := m.statuses.JobStatus(ctx, m.jobID)
	if err != nil {
		// A vanished row is preemption, not flakiness: the job was deleted
		// out from under this attempt and must stop now.
		if errors.Is(err, jobs.ErrJobNotFound) {
			m.fatal = ErrJobPreempted
			return m.fatal
		}
		m.failures++
		if m.failures >= m.cfg.MaxFailures {
			m.fatal = ErrHeartbeatFailed
			return m.fatal
		}
		return nil
	}
	if status == jobs.StatusFailed || status.Terminal() {
		m.fatal = ErrJobPreempted
		return m.fatal
	}
	return nil
}

// Stop ends the ticking phase. Later ticks are no-ops unless already fatal.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Err returns the sticky fatal error, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *Monitor) refresh(ctx context.Context) error {
	livenessTTL := 3 * m.cfg.Interval
	stamp := m.clock.Now().UTC().Format(time.RFC3339)
	if err := m.store.SetValue(ctx, coordination.HeartbeatKey(m.jobID), stamp, livenessTTL); err != nil {
		return fmt.Errorf("write liveness: %w", err)
	}
	if err := m.slots.RefreshSlot(ctx, m.tenantID); err != nil {
		return fmt.Errorf("refresh slot: %w", err)
	}
	return nil
}
