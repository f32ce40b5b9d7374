// Package leader provides the mutual-exclusion lock that lets exactly one
// scheduler instance enqueue due work per cycle.
package leader

import (
	"fmt"
	"os"
	"time"

	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/coordination"
)

// Config controls lock placement and lifetime.
type Config struct {
	// Key is the lock key; defaults to coordination.LeaderKey.
	Key string
	// TTL bounds the lock so a crashed leader self-heals.
	TTL time.Duration
}

// Elector races for the scheduler leader lock. Losing the race is a normal
// "skip this cycle" outcome, not an error.
type Elector struct {
	store  coordination.Store
	cfg    Config
	owner  string
	logger *zap.Logger
}

// New constructs an Elector with a process-unique owner identity.
func New(store coordination.Store, cfg Config, logger *zap.Logger) *Elector {
	if cfg.Key == "" {
		cfg.Key = coordination.LeaderKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Elector{
		store:  store,
		cfg:    cfg,
		owner:  fmt.Sprintf("%s/%s", host, uuid.NewString()),
		logger: logger,
	}
}

// Owner returns the elector's identity tag.
func (e *Elector) Owner() string {
	return e.owner
}

// TryAcquire attempts to take the lock. It succeeds when the key is absent or
// already held by this elector (TTL refresh).
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.store.AcquireLock(ctx, e.cfg.Key, e.owner, e.cfg.TTL)
	if err != nil {
		return false, fmt.Errorf("acquire leader lock: %w", err)
	}
	return ok, nil
}

// Release deletes the lock only if this elector still owns it. Releasing a
// lock another process has since acquired after TTL expiry is a no-op.
func (e *Elector) Release(ctx context.Context) bool {
	ok, err := e.store.ReleaseLock(ctx, e.cfg.Key, e.owner)
	if err != nil {
		e.logger.Warn("leader lock release failed", zap.Error(err))
		return false
	}
	return ok
}
