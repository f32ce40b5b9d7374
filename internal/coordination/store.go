// Package coordination defines the client interface for the shared
// coordination store. Every cross-process mutation is a single atomic
// round trip; read-modify-write pairs in application code are forbidden.
package coordination

import (
	"context"
	"time"
)

// Store is the coordination-store client. Implementations must make each
// method atomic on the server side.
type Store interface {
	// IncrementIfBelow atomically increments key only if its current value is
	// below ceiling, refreshing the TTL in the same step. Returns whether the
	// increment happened.
	IncrementIfBelow(ctx context.Context, key string, ceiling int64, ttl time.Duration) (bool, error)

	// DecrementFloor atomically decrements key, flooring at zero. The key is
	// deleted when it reaches zero, otherwise its TTL is refreshed.
	DecrementFloor(ctx context.Context, key string, ttl time.Duration) error

	// RefreshTTL extends the TTL of an existing key. Missing keys are a no-op.
	RefreshTTL(ctx context.Context, key string, ttl time.Duration) error

	// AcquireLock sets key to owner with a TTL only if the key is absent or
	// already owned by owner (re-entrant refresh).
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes key only if it is still owned by owner.
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)

	// SetValue stores a string value with a TTL (0 = no expiry).
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error

	// GetValue returns the value and whether the key exists.
	GetValue(ctx context.Context, key string) (string, bool, error)

	// TakeValue atomically reads and deletes the value (GETDEL semantics).
	TakeValue(ctx context.Context, key string) (string, bool, error)

	// Delete removes a key. Missing keys are a no-op.
	Delete(ctx context.Context, key string) error

	// IncrementWithTTL increments a counter and refreshes its TTL, returning
	// the new value.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Key shapes shared by every process. Semantics are stable even though the
// literal names are implementation-defined.
func TenantSlotKey(tenantID string) string    { return "tenant:" + tenantID + ":active_jobs" }
func TenantBackoffKey(tenantID string) string { return "tenant:" + tenantID + ":limiter_backoff" }
func TenantBufferKey(tenantID string) string  { return "tenant:" + tenantID + ":admission" }
func PreAcquiredKey(jobID string) string      { return "job:" + jobID + ":slot_preacquired" }
func HeartbeatKey(jobID string) string        { return "job:" + jobID + ":heartbeat" }

// LeaderKey is the scheduler mutual-exclusion lock.
const LeaderKey = "scheduler:leader"
