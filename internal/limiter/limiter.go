// Package limiter bounds concurrently running jobs per tenant through an
// atomic distributed semaphore in the coordination store.
package limiter

import (
	"context"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/coordination"
)

// Config controls slot accounting and busy-requeue pacing.
type Config struct {
	// DefaultCeiling is the per-tenant concurrency ceiling when no override
	// exists.
	DefaultCeiling int64
	// Ceilings overrides the ceiling for specific tenants.
	Ceilings map[string]int64
	// SlotTTL bounds a semaphore slot so a crashed holder self-heals. Each
	// heartbeat tick refreshes it.
	SlotTTL time.Duration
	// FlagTTL bounds the slot-held marker; it outlives any plausible job.
	FlagTTL time.Duration
	// BackoffTTL bounds the per-tenant busy counter.
	BackoffTTL time.Duration
}

// Limiter is the tenant admission-control semaphore.
type Limiter struct {
	store  coordination.Store
	cfg    Config
	logger *zap.Logger
}

// New constructs a Limiter.
func New(store coordination.Store, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.DefaultCeiling <= 0 {
		cfg.DefaultCeiling = 1
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 5 * time.Minute
	}
	if cfg.FlagTTL <= 0 {
		cfg.FlagTTL = 24 * time.Hour
	}
	if cfg.BackoffTTL <= 0 {
		cfg.BackoffTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, cfg: cfg, logger: logger}
}

// Ceiling returns the concurrency ceiling for a tenant.
func (l *Limiter) Ceiling(tenantID string) int64 {
	if c, ok := l.cfg.Ceilings[tenantID]; ok && c > 0 {
		return c
	}
	return l.cfg.DefaultCeiling
}

// Acquire attempts to take a semaphore slot for the tenant and, on success,
// records the slot-held flag for jobID so release is idempotent. A store
// error denies the slot (fail closed) and is returned for logging; the
// caller treats it like busy.
func (l *Limiter) Acquire(ctx context.Context, tenantID, jobID string) (bool, error) {
	ok, err := l.store.IncrementIfBelow(ctx, coordination.TenantSlotKey(tenantID), l.Ceiling(tenantID), l.cfg.SlotTTL)
	if err != nil {
		return false, fmt.Errorf("acquire tenant slot: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := l.markHeld(ctx, jobID, tenantID); err != nil {
		// Slot without flag would leak: undo the increment before reporting.
		l.decrement(ctx, tenantID)
		return false, fmt.Errorf("record slot flag: %w", err)
	}
	l.resetBackoff(ctx, tenantID)
	return true, nil
}

// PreAcquire takes a slot on a job's behalf before any worker picks it up
// (the feeder path). Identical accounting to Acquire.
func (l *Limiter) PreAcquire(ctx context.Context, tenantID, jobID string) (bool, error) {
	return l.Acquire(ctx, tenantID, jobID)
}

// Adopt confirms a pre-acquired slot for jobID without a second acquire,
// refreshing both the slot and the flag TTLs. Returns whether a flag existed.
func (l *Limiter) Adopt(ctx context.Context, tenantID, jobID string) (bool, error) {
	_, found, err := l.store.GetValue(ctx, coordination.PreAcquiredKey(jobID))
	if err != nil {
		return false, fmt.Errorf("read slot flag: %w", err)
	}
	if !found {
		return false, nil
	}
	if err := l.RefreshSlot(ctx, tenantID); err != nil {
		return false, err
	}
	if err := l.store.RefreshTTL(ctx, coordination.PreAcquiredKey(jobID), l.cfg.FlagTTL); err != nil {
		l.logger.Warn("slot flag ttl refresh failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return true, nil
}

// RefreshSlot extends the tenant slot TTL. Called from heartbeat ticks.
func (l *Limiter) RefreshSlot(ctx context.Context, tenantID string) error {
	if err := l.store.RefreshTTL(ctx, coordination.TenantSlotKey(tenantID), l.cfg.SlotTTL); err != nil {
		return fmt.Errorf("refresh tenant slot: %w", err)
	}
	return nil
}

// EnsureReleased releases the slot held for jobID exactly once. It is safe to
// call from every exit path: the slot-held flag is taken atomically, so a
// second call finds nothing to release. Errors are logged, never returned:
// a failed release must not fail a job that already finished, and the slot
// TTL self-heals.
func (l *Limiter) EnsureReleased(ctx context.Context, jobID, tenantID string) {
	held, found, err := l.store.TakeValue(ctx, coordination.PreAcquiredKey(jobID))
	if err != nil {
		l.logger.Error("slot flag take failed, relying on ttl expiry",
			zap.String("job_id", jobID), zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	if !found {
		return
	}
	if held != "" {
		tenantID = held
	}
	l.decrement(ctx, tenantID)
}

// NextRequeueDelay computes the jittered delay before a busy job re-attempts
// admission. The per-tenant counter of consecutive busy rejections grows the
// base 10s -> 20s; uniform jitter [0,10s) keeps every delay inside [10s,30s).
func (l *Limiter) NextRequeueDelay(ctx context.Context, tenantID string) time.Duration {
	streak, err := l.store.IncrementWithTTL(ctx, coordination.TenantBackoffKey(tenantID), l.cfg.BackoffTTL)
	if err != nil {
		l.logger.Warn("backoff counter unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		streak = 1
	}
	base := 10*time.Second + time.Duration(streak-1)*5*time.Second
	if base > 20*time.Second {
		base = 20 * time.Second
	}
	return base + mrand.N(10*time.Second)
}

func (l *Limiter) markHeld(ctx context.Context, jobID, tenantID string) error {
	return l.store.SetValue(ctx, coordination.PreAcquiredKey(jobID), tenantID, l.cfg.FlagTTL)
}

func (l *Limiter) decrement(ctx context.Context, tenantID string) {
	if err := l.store.DecrementFloor(ctx, coordination.TenantSlotKey(tenantID), l.cfg.SlotTTL); err != nil {
		l.logger.Error("tenant slot release failed, relying on ttl expiry",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (l *Limiter) resetBackoff(ctx context.Context, tenantID string) {
	if err := l.store.Delete(ctx, coordination.TenantBackoffKey(tenantID)); err != nil {
		l.logger.Warn("backoff counter reset failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}
