package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/coordination"
	"github.com/parallax-search/crawlsched/internal/coordination/memory"
)

func newLimiter(t *testing.T, store *memory.Store, ceiling int64) *Limiter {
	t.Helper()
	return New(store, Config{
		DefaultCeiling: ceiling,
		SlotTTL:        time.Minute,
		FlagTTL:        time.Hour,
		BackoffTTL:     time.Minute,
	}, zap.NewNop())
}

func TestAcquireDeniesAtCeiling(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	l := newLimiter(t, store, 1)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "tenant-a", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "tenant-a", "job-2")
	require.NoError(t, err)
	require.False(t, ok)

	// A different tenant has its own ceiling.
	ok, err = l.Acquire(ctx, "tenant-b", "job-3")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCeilingNeverExceededUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	l := newLimiter(t, store, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := l.Acquire(ctx, "tenant-a", "job")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 3, granted)
	require.EqualValues(t, 3, store.Counter(coordination.TenantSlotKey("tenant-a")))
}

func TestAcquireFailsClosedWhenStoreUnreachable(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.Fail = errors.New("store down")
	l := newLimiter(t, store, 5)

	ok, err := l.Acquire(context.Background(), "tenant-a", "job-1")
	require.Error(t, err)
	require.False(t, ok)
}

func TestEnsureReleasedIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	l := newLimiter(t, store, 1)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "tenant-a", "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, store.Counter(coordination.TenantSlotKey("tenant-a")))

	l.EnsureReleased(ctx, "job-1", "tenant-a")
	require.EqualValues(t, 0, store.Counter(coordination.TenantSlotKey("tenant-a")))

	// Second call finds no flag and must not double-release.
	ok2, err := l.Acquire(ctx, "tenant-a", "job-2")
	require.NoError(t, err)
	require.True(t, ok2)
	l.EnsureReleased(ctx, "job-1", "tenant-a")
	require.EqualValues(t, 1, store.Counter(coordination.TenantSlotKey("tenant-a")))
}

func TestAdoptRequiresFlag(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	l := newLimiter(t, store, 1)
	ctx := context.Background()

	adopted, err := l.Adopt(ctx, "tenant-a", "job-1")
	require.NoError(t, err)
	require.False(t, adopted)

	ok, err := l.PreAcquire(ctx, "tenant-a", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	adopted, err = l.Adopt(ctx, "tenant-a", "job-1")
	require.NoError(t, err)
	require.True(t, adopted)

	// Adoption does not consume the flag; release still works exactly once.
	l.EnsureReleased(ctx, "job-1", "tenant-a")
	require.EqualValues(t, 0, store.Counter(coordination.TenantSlotKey("tenant-a")))
}

func TestNextRequeueDelayStaysInJitterWindow(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	l := newLimiter(t, store, 1)
	ctx := context.Background()

	for attempt := 0; attempt < 20; attempt++ {
		d := l.NextRequeueDelay(ctx, "tenant-a")
		require.GreaterOrEqual(t, d, 10*time.Second)
		require.Less(t, d, 30*time.Second)
	}
}

func TestBackoffResetsOnSuccessfulAcquire(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	l := newLimiter(t, store, 1)
	ctx := context.Background()

	l.NextRequeueDelay(ctx, "tenant-a")
	l.NextRequeueDelay(ctx, "tenant-a")
	require.EqualValues(t, 2, store.Counter(coordination.TenantBackoffKey("tenant-a")))

	ok, err := l.Acquire(ctx, "tenant-a", "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, store.Counter(coordination.TenantBackoffKey("tenant-a")))
}

func TestBusyThenReleaseAllowsSecondJob(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	l := newLimiter(t, store, 1)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "tenant-a", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "tenant-a", "job-2")
	require.NoError(t, err)
	require.False(t, ok)

	l.EnsureReleased(ctx, "job-1", "tenant-a")

	ok, err = l.Acquire(ctx, "tenant-a", "job-2")
	require.NoError(t, err)
	require.True(t, ok)
}
