package intake

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

// ErrQueueUnavailable wraps store failures during enqueue. Callers treat it
// as retryable: the record stays pending_queue and the sweep picks it up.
var ErrQueueUnavailable = eris.New("intake: queue unavailable")

// Queue is the durable extraction queue, backed by the status column of the
// intake store. There is no separate queue table: queued_for_extraction IS
// the queue, ordered by creation time.
type Queue struct {
	store store.Store
}

func NewQueue(s store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue moves a pending_queue record into the extraction queue.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	err := q.store.UpdateIntakeStatus(ctx, id, model.StatusPendingQueue, model.StatusQueuedForExtraction, nil)
	if err != nil {
		return eris.Wrapf(ErrQueueUnavailable, "enqueue %s: %v", id, err)
	}
	return nil
}

// DequeueNext claims the oldest queued record and marks it processing.
// Returns (nil, nil) when the queue is empty. The claim is atomic: under
// concurrent workers exactly one receives any given record.
func (q *Queue) DequeueNext(ctx context.Context) (*model.IntakeRecord, error) {
	return q.store.ClaimNext(ctx)
}

// Requeue returns a processing record to the queue after a transient
// failure, recording the cause and incrementing the retry count.
func (q *Queue) Requeue(ctx context.Context, id, reason string) error {
	upd := &store.StatusUpdate{LastError: reason, IncrementRetry: true}
	return q.store.UpdateIntakeStatus(ctx, id, model.StatusProcessing, model.StatusQueuedForExtraction, upd)
}

// RequeueStale returns records stuck in processing longer than olderThan to
// the queue. Stale records come from crashed workers, not failed work, so
// the retry count is left alone.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.RequeueStale(ctx, olderThan)
}
