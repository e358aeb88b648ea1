package intake

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bookkeeper/internal/store"
)

// Sweeper is the liveness loop: it retries records left in pending_queue by
// enqueue failures, and reclaims records orphaned in processing by crashed
// workers.
type Sweeper struct {
	store      store.Store
	queue      *Queue
	interval   time.Duration
	staleAfter time.Duration
}

func NewSweeper(s store.Store, q *Queue, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{store: s, queue: q, interval: interval, staleAfter: staleAfter}
}

// SweepOnce runs one pass of both sweeps and returns the number of records
// moved back into the queue.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	moved := 0

	pending, err := sw.store.ListPendingQueue(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, rec := range pending {
		if err := sw.queue.Enqueue(ctx, rec.ID); err != nil {
			zap.L().Warn("sweep enqueue failed", zap.String("intake_id", rec.ID), zap.Error(err))
			continue
		}
		moved++
	}

	stale, err := sw.queue.RequeueStale(ctx, sw.staleAfter)
	if err != nil {
		return moved, err
	}
	if stale > 0 {
		zap.L().Info("requeued stale records", zap.Int("count", stale))
	}
	return moved + stale, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	interval := sw.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := sw.SweepOnce(ctx); err != nil {
				zap.L().Error("sweep failed", zap.Error(err))
			}
		}
	}
}
