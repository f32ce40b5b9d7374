package leader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/coordination/memory"
)

func TestOnlyOneElectorWins(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	a := New(store, Config{TTL: time.Minute}, zap.NewNop())
	b := New(store, Config{TTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// Re-acquisition by the holder refreshes the TTL.
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseAfterExpiryNeverDeletesNewOwner(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	now := time.Unix(1000, 0)
	store.SetNowFunc(func() time.Time { return now })

	a := New(store, Config{TTL: 30 * time.Second}, zap.NewNop())
	b := New(store, Config{TTL: 30 * time.Second}, zap.NewNop())
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A's lock expires; B takes over.
	now = now.Add(time.Minute)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A's stale release must not evict B.
	require.False(t, a.Release(ctx))
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, b.Release(ctx))
}

func TestTryAcquireSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.Fail = errors.New("store down")
	e := New(store, Config{}, zap.NewNop())

	ok, err := e.TryAcquire(context.Background())
	require.Error(t, err)
	require.False(t, ok)
}
