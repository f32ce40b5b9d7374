package feeder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
)

const requeuePushTimeout = 10 * time.Second

// Requeue returns busy jobs to the admission buffer after a delay. The push
// runs on a detached context so a worker shutting down mid-delay does not
// drop the item.
type Requeue struct {
	buffer jobs.Buffer
	logger *zap.Logger
}

// NewRequeue constructs a Requeue over the admission buffer.
func NewRequeue(buffer jobs.Buffer, logger *zap.Logger) *Requeue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requeue{buffer: buffer, logger: logger}
}

// RequeueAfter schedules the item to re-enter the buffer after delay.
func (r *Requeue) RequeueAfter(ctx context.Context, item jobs.QueueItem, delay time.Duration) error {
	base := context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		pushCtx, cancel := context.WithTimeout(base, requeuePushTimeout)
		defer cancel()
		if err := r.buffer.Push(pushCtx, item); err != nil {
			r.logger.Error("delayed requeue failed",
				zap.String("job_id", item.JobID), zap.Error(err))
		}
	})
	return nil
}
