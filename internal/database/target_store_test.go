package database

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/breaker"
)

func newMockTargetStore(t *testing.T) (pgxmock.PgxPoolIface, *TargetStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewTargetStore(NewExecutorWithPool(mock, zap.NewNop()))
}

func targetRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "tenant_id", "url", "auth_kind", "auth_secret_ref",
		"crawl_interval_seconds", "enabled", "consecutive_failures",
		"next_retry_at", "last_crawled_at",
	})
}

func TestTargetGetDecodesInterval(t *testing.T) {
	t.Parallel()

	mock, store := newMockTargetStore(t)
	last := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").
		WithArgs("target-1").
		WillReturnRows(targetRows().AddRow(
			"target-1", "tenant-a", "https://docs.example.com", "basic", "vault:docs",
			int64(3600), true, 2, (*time.Time)(nil), &last))
	mock.ExpectCommit()

	target, err := store.Get(context.Background(), "target-1")
	require.NoError(t, err)
	require.Equal(t, time.Hour, target.CrawlInterval)
	require.Equal(t, "basic", target.Auth.Kind)
	require.Equal(t, 2, target.ConsecutiveFailures)
	require.Nil(t, target.NextRetryAt)
	require.NotNil(t, target.LastCrawledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTargetGetNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockTargetStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").
		WithArgs("target-missing").
		WillReturnRows(targetRows())
	mock.ExpectRollback()

	_, err := store.Get(context.Background(), "target-missing")
	require.ErrorIs(t, err, ErrTargetNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDueReturnsEligibleTargets(t *testing.T) {
	t.Parallel()

	mock, store := newMockTargetStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").
		WithArgs(now, 10).
		WillReturnRows(targetRows().
			AddRow("target-1", "tenant-a", "https://a.example.com", "", "",
				int64(3600), true, 0, (*time.Time)(nil), (*time.Time)(nil)).
			AddRow("target-2", "tenant-b", "https://b.example.com", "", "",
				int64(7200), true, 1, (*time.Time)(nil), (*time.Time)(nil)))
	mock.ExpectCommit()

	targets, err := store.Due(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "target-1", targets[0].ID)
	require.Equal(t, 2*time.Hour, targets[1].CrawlInterval)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyBreakerDisable(t *testing.T) {
	t.Parallel()

	mock, store := newMockTargetStore(t)
	now := time.Unix(1700000000, 0).UTC()
	update := breaker.Update{ConsecutiveFailures: 10, NextRetryAt: nil, Disabled: true}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE crawl_targets").
		WithArgs(10, (*time.Time)(nil), true, now, "target-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.ApplyBreaker(context.Background(), "target-1", update, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyBreakerMissingTarget(t *testing.T) {
	t.Parallel()

	mock, store := newMockTargetStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE crawl_targets").
		WithArgs(0, (*time.Time)(nil), false, now, "target-gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.ApplyBreaker(context.Background(), "target-gone", breaker.Update{}, now)
	require.ErrorIs(t, err, ErrTargetNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
