// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"github.com/parallax-search/crawlsched/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers. Each worker consumes
// the shared queue directly; the dispatcher only owns their lifecycle.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
