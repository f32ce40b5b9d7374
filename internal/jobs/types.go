// Package jobs defines core types shared across the orchestration engine.
package jobs

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id matches no record. A running
// attempt treats it like preemption: the row is gone, so the work must stop.
var ErrJobNotFound = errors.New("job not found")

// Status represents the lifecycle state of a background job.
type Status string

// Job status values persisted in the job store. Transitions are monotone:
// queued -> in_progress -> {complete, failed}.
const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Kind identifies the task a job performs.
type Kind string

// Job kinds currently scheduled by the engine.
const (
	KindCrawl Kind = "crawl"
)

// Job is the metadata persisted for each unit of scheduled work.
type Job struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	Status         Status     `json:"status"`
	TenantID       string     `json:"tenant_id"`
	UserID         string     `json:"user_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ResultLocation string     `json:"result_location,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
}

// CrawlRun is one execution record, tied 1:1 to a Job and N:1 to a target.
type CrawlRun struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	TargetID     string     `json:"target_id"`
	PagesCrawled int        `json:"pages_crawled"`
	PagesFailed  int        `json:"pages_failed"`
	FilesCrawled int        `json:"files_crawled"`
	FilesFailed  int        `json:"files_failed"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TargetAuth carries crawl credentials for a target. The secret itself lives
// elsewhere; only the reference travels with the schedule.
type TargetAuth struct {
	Kind      string `json:"kind,omitempty"`
	SecretRef string `json:"secret_ref,omitempty"`
}

// CrawlTarget is a configured crawl source plus its circuit-breaker state.
type CrawlTarget struct {
	ID                  string        `json:"id"`
	TenantID            string        `json:"tenant_id"`
	URL                 string        `json:"url"`
	Auth                TargetAuth    `json:"auth"`
	CrawlInterval       time.Duration `json:"crawl_interval"`
	Enabled             bool          `json:"enabled"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextRetryAt         *time.Time    `json:"next_retry_at,omitempty"`
	LastCrawledAt       *time.Time    `json:"last_crawled_at,omitempty"`
}

// CrawlJobParams is the typed payload decoded once at the queue boundary.
type CrawlJobParams struct {
	TenantID string `json:"tenant_id"`
	TargetID string `json:"target_id"`
	RunID    string `json:"run_id"`
}

// QueueItem wraps a job ready to run. FirstQueuedAt survives busy requeues so
// the age-based abandonment ceiling applies to the whole wait, not one lap.
type QueueItem struct {
	JobID         string         `json:"job_id"`
	Params        CrawlJobParams `json:"params"`
	Attempt       int            `json:"attempt"`
	FirstQueuedAt time.Time      `json:"first_queued_at"`
}

// Page is one crawled page handed to the indexing pipeline.
type Page struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// FileRef is one crawled file handed to the indexing pipeline.
type FileRef struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
	Size int64  `json:"size,omitempty"`
}

// CrawlBatch is one chunk yielded by the crawler during a run.
type CrawlBatch struct {
	Pages             []Page    `json:"pages"`
	Files             []FileRef `json:"files"`
	IsPartial         bool      `json:"is_partial"`
	TerminationReason string    `json:"termination_reason,omitempty"`
}

// IndexStats reports per-batch indexing outcomes. Failures are counted and
// never abort the batch.
type IndexStats struct {
	PagesIndexed int
	PagesFailed  int
	FilesIndexed int
	FilesFailed  int
}

// RunOutcome is the orchestrator's verdict for one job attempt.
type RunOutcome string

// Attempt outcomes surfaced to callers and metrics.
const (
	OutcomeComplete        RunOutcome = "complete"
	OutcomeFailed          RunOutcome = "failed"
	OutcomePreempted       RunOutcome = "preempted"
	OutcomeHeartbeatFailed RunOutcome = "heartbeat_failed"
	OutcomeRequeued        RunOutcome = "requeued"
	OutcomeDuplicate       RunOutcome = "duplicate"
	OutcomeAbandoned       RunOutcome = "abandoned"
)

// CompletionEvent is published when a job reaches a terminal status.
type CompletionEvent struct {
	JobID        string    `json:"job_id"`
	TenantID     string    `json:"tenant_id"`
	TargetID     string    `json:"target_id"`
	Status       Status    `json:"status"`
	PagesCrawled int       `json:"pages_crawled"`
	PagesFailed  int       `json:"pages_failed"`
	FilesCrawled int       `json:"files_crawled"`
	FilesFailed  int       `json:"files_failed"`
	ErrorText    string    `json:"error_text,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}
