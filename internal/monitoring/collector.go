package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Lifecycle counts across the whole intake table.
	StatusCounts map[model.Status]int `json:"status_counts"`

	// QueueDepth is the number of records waiting for a worker.
	QueueDepth int `json:"queue_depth"`

	// StaleProcessing counts records claimed longer ago than the stale
	// threshold, usually a sign of a crashed worker.
	StaleProcessing int `json:"stale_processing"`

	// ReviewVolume is how many records entered manual review within the
	// lookback window.
	ReviewVolume int `json:"review_volume"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers pipeline metrics from the store.
type Collector struct {
	store      store.Store
	staleAfter time.Duration
}

// NewCollector creates a metrics collector. staleAfter is the age past
// which a claimed record counts as stale.
func NewCollector(st store.Store, staleAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Collector{store: st, staleAfter: staleAfter}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	counts, err := c.store.StatusCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: status counts")
	}
	snap.StatusCounts = counts
	snap.QueueDepth = counts[model.StatusQueuedForExtraction]

	stale, err := c.store.CountStaleProcessing(ctx, c.staleAfter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count stale processing")
	}
	snap.StaleProcessing = stale

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	reviews, err := c.store.CountManualReviewSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count manual review")
	}
	snap.ReviewVolume = reviews

	return snap, nil
}
