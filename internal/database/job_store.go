package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parallax-search/crawlsched/internal/jobs"
)

// ErrJobNotFound is returned when a job id matches no row.
var ErrJobNotFound = jobs.ErrJobNotFound

// JobStore persists jobs. Assumed schema:
//
//	CREATE TABLE jobs (
//		id UUID PRIMARY KEY,
//		kind TEXT NOT NULL,
//		status TEXT NOT NULL,
//		tenant_id TEXT NOT NULL,
//		user_id TEXT,
//		created_at TIMESTAMPTZ NOT NULL,
//		finished_at TIMESTAMPTZ,
//		result_location TEXT,
//		error_text TEXT
//	);
type JobStore struct {
	exec *Executor
}

// NewJobStore constructs a JobStore over the shared executor.
func NewJobStore(exec *Executor) *JobStore {
	return &JobStore{exec: exec}
}

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job jobs.Job) error {
	return s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
INSERT INTO jobs (id, kind, status, tenant_id, user_id, created_at, result_location, error_text)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		_, err := tx.Exec(ctx, query,
			job.ID, job.Kind, job.Status, job.TenantID, job.UserID,
			job.CreatedAt, job.ResultLocation, job.ErrorText)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// Get returns the job for an id.
func (s *JobStore) Get(ctx context.Context, jobID string) (jobs.Job, error) {
	var job jobs.Job
	err := s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
SELECT id, kind, status, tenant_id, COALESCE(user_id, ''), created_at, finished_at,
       COALESCE(result_location, ''), COALESCE(error_text, '')
FROM jobs WHERE id = $1`
		err := tx.QueryRow(ctx, query, jobID).Scan(
			&job.ID, &job.Kind, &job.Status, &job.TenantID, &job.UserID,
			&job.CreatedAt, &job.FinishedAt, &job.ResultLocation, &job.ErrorText)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}
		return nil
	})
	return job, err
}

// JobStatus returns only the status column; heartbeat ticks call this on
// every beat so it stays a single-row point read.
func (s *JobStore) JobStatus(ctx context.Context, jobID string) (jobs.Status, error) {
	var status jobs.Status
	err := s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("select job status: %w", err)
		}
		return nil
	})
	return status, err
}

// CASStatus transitions status from -> to atomically. Returns false without
// error when the job is no longer in the expected state; the resurrection
// guard relies on this never overwriting an externally set terminal status.
func (s *JobStore) CASStatus(ctx context.Context, jobID string, from, to jobs.Status, at time.Time) (bool, error) {
	var swapped bool
	err := s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
UPDATE jobs
SET status = $1,
    finished_at = CASE WHEN $2 THEN $3 ELSE finished_at END
WHERE id = $4 AND status = $5`
		tag, err := tx.Exec(ctx, query, to, to.Terminal(), at, jobID, from)
		if err != nil {
			return fmt.Errorf("cas job status: %w", err)
		}
		swapped = tag.RowsAffected() == 1
		return nil
	})
	return swapped, err
}

// MarkFailed forces a job to failed with an explanatory note, regardless of
// current status. Used by the admission-push rollback and the duplicate
// guard; terminal rows are left untouched.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, note string, at time.Time) error {
	return s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
UPDATE jobs
SET status = $1, error_text = $2, finished_at = $3
WHERE id = $4 AND status NOT IN ($5, $6)`
		_, err := tx.Exec(ctx, query,
			jobs.StatusFailed, note, at, jobID, jobs.StatusComplete, jobs.StatusFailed)
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		return nil
	})
}

// SetResultLocation records the free-text result pointer.
func (s *JobStore) SetResultLocation(ctx context.Context, jobID, location string) error {
	return s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE jobs SET result_location = $1 WHERE id = $2`, location, jobID)
		if err != nil {
			return fmt.Errorf("set result location: %w", err)
		}
		return nil
	})
}

// OldestActiveJobForTarget returns the oldest queued or in-progress job
// aimed at the target. Ties on created_at break on id; ids are UUIDv7 so the
// order is stable. Powers the oldest-active-job-wins duplicate guard.
func (s *JobStore) OldestActiveJobForTarget(ctx context.Context, targetID string) (string, bool, error) {
	var jobID string
	found := false
	err := s.exec.WithTx(ctx, func(tx pgx.Tx) error {
		const query = `
SELECT j.id
FROM jobs j
JOIN crawl_runs r ON r.job_id = j.id
WHERE r.target_id = $1 AND j.status IN ($2, $3)
ORDER BY j.created_at ASC, j.id ASC
LIMIT 1`
		err := tx.QueryRow(ctx, query, targetID, jobs.StatusQueued, jobs.StatusInProgress).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select oldest active job: %w", err)
		}
		found = true
		return nil
	})
	return jobID, found, err
}
