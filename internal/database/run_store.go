package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parallax-search/crawlsched/internal/jobs"
)

// ErrRunNotFound is returned when no crawl run matches.
var ErrRunNotFound = errors.New("crawl run not found")

// RunStore persists crawl runs. Assumed schema:
//
//	CREATE TABLE crawl_runs (
//		id UUID PRIMARY KEY,
//		job_id UUID NOT NULL REFERENCES jobs(id),
//		target_id UUID NOT NULL,
//		pages_crawled INT NOT NULL DEFAULT 0,
//		pages_failed INT NOT NULL DEFAULT 0,
//		files_crawled INT NOT NULL DEFAULT 0,
//		files_failed INT NOT NULL DEFAULT 0,
//		created_at TIMESTAMPTZ NOT NULL,
//		finished_at TIMESTAMPTZ
//	);
type RunStore struct {
	exec *Executor
}

// NewRunStore constructs a RunStore over the shared executor.
func NewRunStore(exec *Executor) *RunStore {
	return &RunStore{exec: exec}
}

// Create inserts a run row; the scheduler pre-creates it before enqueue so
// the run id is deterministic for the whole job lifetime.
func (s *RunStore) Create(ctx context.Context, run jobs.CrawlRun) error {
	return s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
INSERT INTO crawl_runs (id, job_id, target_id, created_at)
VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, query, run.ID, run.JobID, run.TargetID, run.CreatedAt); err != nil {
			return fmt.Errorf("insert crawl run: %w", err)
		}
		return nil
	})
}

// Complete records final counters and the finish time.
func (s *RunStore) Complete(ctx context.Context, run jobs.CrawlRun, finishedAt time.Time) error {
	return s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
UPDATE crawl_runs
SET pages_crawled = $1, pages_failed = $2, files_crawled = $3, files_failed = $4, finished_at = $5
WHERE id = $6`
		tag, err := tx.Exec(ctx, query,
			run.PagesCrawled, run.PagesFailed, run.FilesCrawled, run.FilesFailed, finishedAt, run.ID)
		if err != nil {
			return fmt.Errorf("complete crawl run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
		}
		return nil
	})
}

// GetByJob returns the run tied to a job (1:1).
func (s *RunStore) GetByJob(ctx context.Context, jobID string) (jobs.CrawlRun, error) {
	var run jobs.CrawlRun
	err := s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
SELECT id, job_id, target_id, pages_crawled, pages_failed, files_crawled, files_failed,
       created_at, finished_at
FROM crawl_runs WHERE job_id = $1`
		err := tx.QueryRow(ctx, query, jobID).Scan(
			&run.ID, &run.JobID, &run.TargetID,
			&run.PagesCrawled, &run.PagesFailed, &run.FilesCrawled, &run.FilesFailed,
			&run.CreatedAt, &run.FinishedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: job %s", ErrRunNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("select crawl run: %w", err)
		}
		return nil
	})
	return run, err
}
