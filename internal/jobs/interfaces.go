package jobs

import (
	"context"
	"time"
)

// HeartbeatFunc is the cooperative-cancellation checkpoint supplied to the
// crawler. A non-nil error means the caller must stop yielding work.
type HeartbeatFunc func(ctx context.Context) error

// Crawler fetches content for a target. It must invoke beat at the given
// interval so liveness ticks continue through the longest phase of the job,
// and stop early when beat returns an error.
type Crawler interface {
	Crawl(ctx context.Context, target CrawlTarget, beat HeartbeatFunc, interval time.Duration) (<-chan CrawlBatch, error)
}

// Indexer turns crawled batches into searchable content. Per-item failures
// are reflected in IndexStats, not in the error.
type Indexer interface {
	IndexBatch(ctx context.Context, jobID string, batch CrawlBatch) (IndexStats, error)
}

// Queue provides enqueue/dequeue semantics for ready-to-run jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Buffer holds admitted-but-not-yet-running jobs per tenant, decoupling
// "became due" from "starts executing".
type Buffer interface {
	Push(ctx context.Context, item QueueItem) error
	Pop(ctx context.Context, tenantID string) (QueueItem, bool, error)
	Tenants(ctx context.Context) ([]string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
