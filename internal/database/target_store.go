package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parallax-search/crawlsched/internal/breaker"
	"github.com/parallax-search/crawlsched/internal/jobs"
)

// ErrTargetNotFound is returned when a target id matches no row.
var ErrTargetNotFound = errors.New("crawl target not found")

// TargetStore persists crawl targets. Assumed schema:
//
//	CREATE TABLE crawl_targets (
//		id UUID PRIMARY KEY,
//		tenant_id TEXT NOT NULL,
//		url TEXT NOT NULL,
//		auth_kind TEXT,
//		auth_secret_ref TEXT,
//		crawl_interval_seconds BIGINT NOT NULL,
//		enabled BOOLEAN NOT NULL DEFAULT TRUE,
//		consecutive_failures INT NOT NULL DEFAULT 0,
//		next_retry_at TIMESTAMPTZ,
//		last_crawled_at TIMESTAMPTZ
//	);
type TargetStore struct {
	exec *Executor
}

// NewTargetStore constructs a TargetStore over the shared executor.
func NewTargetStore(exec *Executor) *TargetStore {
	return &TargetStore{exec: exec}
}

const targetColumns = `
id, tenant_id, url, COALESCE(auth_kind, ''), COALESCE(auth_secret_ref, ''),
crawl_interval_seconds, enabled, consecutive_failures, next_retry_at, last_crawled_at`

func scanTarget(row pgx.Row) (jobs.CrawlTarget, error) {
	var t jobs.CrawlTarget
	var intervalSeconds int64
	err := row.Scan(
		&t.ID, &t.TenantID, &t.URL, &t.Auth.Kind, &t.Auth.SecretRef,
		&intervalSeconds, &t.Enabled, &t.ConsecutiveFailures, &t.NextRetryAt, &t.LastCrawledAt)
	if err != nil {
		return jobs.CrawlTarget{}, err
	}
	t.CrawlInterval = time.Duration(intervalSeconds) * time.Second
	return t, nil
}

// Get returns one target.
func (s *TargetStore) Get(ctx context.Context, targetID string) (jobs.CrawlTarget, error) {
	var target jobs.CrawlTarget
	err := s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + targetColumns + ` FROM crawl_targets WHERE id = $1`
		t, err := scanTarget(tx.QueryRow(ctx, query, targetID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
		}
		if err != nil {
			return fmt.Errorf("select target: %w", err)
		}
		target = t
		return nil
	})
	return target, err
}

// Due returns targets eligible for scheduling at now, oldest due first. The
// query is the breaker's gate: disabled targets and targets whose
// next_retry_at lies in the future never appear.
func (s *TargetStore) Due(ctx context.Context, now time.Time, limit int) ([]jobs.CrawlTarget, error) {
	if limit <= 0 {
		limit = 100
	}
	var targets []jobs.CrawlTarget
	err := s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
SELECT ` + targetColumns + `
FROM crawl_targets
WHERE enabled
  AND (next_retry_at IS NULL OR next_retry_at <= $1)
  AND (last_crawled_at IS NULL OR last_crawled_at + make_interval(secs => crawl_interval_seconds) <= $1)
ORDER BY COALESCE(last_crawled_at, 'epoch'::timestamptz) ASC, id ASC
LIMIT $2`
		rows, err := tx.Query(ctx, query, now, limit)
		if err != nil {
			return fmt.Errorf("select due targets: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTarget(rows)
			if err != nil {
				return fmt.Errorf("scan due target: %w", err)
			}
			targets = append(targets, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate due targets: %w", err)
		}
		return nil
	})
	return targets, err
}

// ApplyBreaker persists a breaker transition after a run. A disable clears
// the retry gate and flips enabled off; re-enabling is an explicit operator
// action outside this engine.
func (s *TargetStore) ApplyBreaker(ctx context.Context, targetID string, update breaker.Update, crawledAt time.Time) error {
	return s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
UPDATE crawl_targets
SET consecutive_failures = $1,
    next_retry_at = $2,
    enabled = enabled AND NOT $3,
    last_crawled_at = $4
WHERE id = $5`
		tag, err := tx.Exec(ctx, query,
			update.ConsecutiveFailures, update.NextRetryAt, update.Disabled, crawledAt, targetID)
		if err != nil {
			return fmt.Errorf("apply breaker update: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
		}
		return nil
	})
}
