// Package memory contains an in-memory Indexer for tests and single-binary runs.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
)

// Indexer accumulates per-job indexing counts. The page bodies themselves are
// dropped; a production deployment swaps in the search-index client here.
type Indexer struct {
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]jobs.IndexStats
}

// New returns a memory Indexer.
func New(logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{logger: logger, counts: make(map[string]jobs.IndexStats)}
}

// IndexBatch counts the batch contents against the job.
func (i *Indexer) IndexBatch(_ context.Context, jobID string, batch jobs.CrawlBatch) (jobs.IndexStats, error) {
	stats := jobs.IndexStats{
		PagesIndexed: len(batch.Pages),
		FilesIndexed: len(batch.Files),
	}
	i.mu.Lock()
	total := i.counts[jobID]
	total.PagesIndexed += stats.PagesIndexed
	total.FilesIndexed += stats.FilesIndexed
	i.counts[jobID] = total
	i.mu.Unlock()

	i.logger.Debug("indexed batch",
		zap.String("job_id", jobID),
		zap.Int("pages", stats.PagesIndexed),
		zap.Int("files", stats.FilesIndexed))
	return stats, nil
}

// Stats returns the accumulated counts for a job.
func (i *Indexer) Stats(jobID string) jobs.IndexStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.counts[jobID]
}
