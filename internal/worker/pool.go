package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/conversion_hook/internal/logging"
	"github.com/austindbirch/conversion_hook/internal/metrics"
	"github.com/austindbirch/conversion_hook/internal/queue"
)

// RunPool runs n identical loops of w until ctx is cancelled and all of them
// have finished their current iteration.
func RunPool(ctx context.Context, w *Worker, n int) error {
	if n <= 0 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// StatsSource reports queue sizes.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// MonitorQueue publishes queue depth gauges every interval until ctx ends.
func MonitorQueue(ctx context.Context, src StatsSource, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.New("convhook-worker-monitor")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sampleQueue(ctx, src, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleQueue(ctx context.Context, src StatsSource, logger *logging.Logger) {
	st, err := src.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Plain().WithError(err).Error("failed to read queue stats")
		}
		return
	}
	metrics.UpdateQueueDepth("pending", float64(st.Pending))
	metrics.UpdateQueueDepth("retry", float64(st.Retry))
	metrics.UpdateQueueDepth("dlq", float64(st.DeadLetter))
}
