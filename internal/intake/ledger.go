// Package intake owns the lifecycle of intake records: submission with
// duplicate detection, the status state machine, and the entry queue feeding
// the extraction orchestrator.
package intake

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

// SubmitStatus is the outcome reported to the source adapter.
type SubmitStatus string

const (
	SubmitAccepted  SubmitStatus = "accepted"
	SubmitDuplicate SubmitStatus = "duplicate"
	SubmitRejected  SubmitStatus = "rejected"
)

// SubmitResult is returned from Submit. A duplicate carries the existing
// record's id; it is informational, not a failure.
type SubmitResult struct {
	Status     SubmitStatus `json:"status"`
	IntakeID   string       `json:"intake_id,omitempty"`
	ExistingID string       `json:"existing_id,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// transitions is the status state machine. Any edge not listed is rejected;
// terminal states have no outgoing edges. manual_review keeps a requeue edge
// for human intervention.
var transitions = map[model.Status][]model.Status{
	model.StatusPendingDuplicateCheck: {model.StatusPendingQueue, model.StatusFailed, model.StatusIgnored},
	model.StatusPendingQueue:          {model.StatusQueuedForExtraction, model.StatusIgnored},
	model.StatusQueuedForExtraction:   {model.StatusProcessing, model.StatusIgnored},
	model.StatusProcessing: {
		model.StatusCompleted,
		model.StatusFailed,
		model.StatusManualReview,
		model.StatusQueuedForExtraction,
		model.StatusIgnored,
	},
	model.StatusManualReview: {model.StatusQueuedForExtraction, model.StatusCompleted, model.StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to model.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ledger creates intake records and is the sole owner of their status
// transitions.
type Ledger struct {
	store store.Store
	queue *Queue
	files *FileStore
}

// NewLedger creates a Ledger. files may be nil, in which case submitted
// documents are referenced in place instead of being copied into managed
// storage.
func NewLedger(s store.Store, q *Queue, files *FileStore) *Ledger {
	return &Ledger{store: s, queue: q, files: files}
}

// Transition moves a record from one status to another through the store's
// compare-and-set, after validating the edge against the state machine.
func (l *Ledger) Transition(ctx context.Context, id string, from, to model.Status, upd *store.StatusUpdate) error {
	if from.Terminal() {
		return eris.Errorf("intake: %s is terminal, cannot leave it", from)
	}
	if !CanTransition(from, to) {
		return eris.Errorf("intake: invalid transition %s -> %s", from, to)
	}
	return l.store.UpdateIntakeStatus(ctx, id, from, to, upd)
}

// Submit runs the intake flow for one source document: validate, duplicate
// check, record creation, content-hash check, and enqueue for extraction.
// An enqueue failure is not fatal: the record stays pending_queue and a
// background sweep retries it.
func (l *Ledger) Submit(ctx context.Context, doc model.SourceDocument) (SubmitResult, error) {
	if reason := validateDocument(doc); reason != "" {
		return SubmitResult{Status: SubmitRejected, Reason: reason}, nil
	}

	// Read-only pre-check. Cheap fast path; the store's unique index is
	// what actually closes the race.
	existing, err := l.store.FindByDuplicateKey(ctx, doc.Key())
	if err != nil {
		return SubmitResult{}, err
	}
	if existing != nil {
		return SubmitResult{Status: SubmitDuplicate, ExistingID: existing.ID}, nil
	}

	rec := recordFromDocument(doc)
	if l.files != nil {
		dir, err := l.files.Stash(doc, rec.ID)
		if err != nil {
			return SubmitResult{Status: SubmitRejected, Reason: "unreadable document"},
				eris.Wrap(err, "intake: stash document")
		}
		rec.UniqueDirectory = dir
	}

	if err := l.store.CreateIntake(ctx, rec); err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			if l.files != nil {
				l.files.Discard(rec.ID)
			}
			return SubmitResult{Status: SubmitDuplicate, ExistingID: dup.ExistingID}, nil
		}
		return SubmitResult{}, err
	}

	// A matching content hash under a different composite key is a weaker
	// signal: flag for review, keep processing.
	if doc.ContentHash != "" {
		n, err := l.store.CountByHash(ctx, doc.ContentHash)
		if err != nil {
			zap.L().Warn("hash check failed", zap.String("intake_id", rec.ID), zap.Error(err))
		} else if n > 1 {
			if err := l.store.AddIntakeFlag(ctx, rec.ID, model.FlagPossibleDuplicate); err != nil {
				zap.L().Warn("flag write failed", zap.String("intake_id", rec.ID), zap.Error(err))
			}
		}
	}

	if err := l.Transition(ctx, rec.ID, model.StatusPendingDuplicateCheck, model.StatusPendingQueue, nil); err != nil {
		return SubmitResult{}, err
	}

	if err := l.queue.Enqueue(ctx, rec.ID); err != nil {
		zap.L().Warn("enqueue failed, record left pending",
			zap.String("intake_id", rec.ID),
			zap.Error(err),
		)
	}

	zap.L().Info("document accepted",
		zap.String("intake_id", rec.ID),
		zap.String("source_type", string(rec.SourceType)),
		zap.String("filename", rec.OriginalFilename),
	)
	return SubmitResult{Status: SubmitAccepted, IntakeID: rec.ID}, nil
}

// SubmitBatch submits documents arriving together under one batch id,
// in order, so the queue preserves intra-batch FIFO. Individual failures do
// not stop the batch.
func (l *Ledger) SubmitBatch(ctx context.Context, docs []model.SourceDocument) ([]SubmitResult, error) {
	batchID := uuid.New().String()
	results := make([]SubmitResult, 0, len(docs))
	for _, doc := range docs {
		if doc.Metadata == nil {
			doc.Metadata = map[string]string{}
		}
		doc.Metadata["batch_id"] = batchID
		res, err := l.Submit(ctx, doc)
		if err != nil {
			zap.L().Error("batch submit failed",
				zap.String("batch_id", batchID),
				zap.String("source", doc.SourceIdentifier),
				zap.Error(err),
			)
			res = SubmitResult{Status: SubmitRejected, Reason: err.Error()}
		}
		results = append(results, res)
	}
	return results, nil
}

func validateDocument(doc model.SourceDocument) string {
	switch {
	case doc.Path == "":
		return "missing document path"
	case doc.SourceIdentifier == "":
		return "missing source identifier"
	case doc.Origin != model.SourceFileUpload && doc.Origin != model.SourceEmailAttachment:
		return "unknown origin"
	case doc.SourceDate.IsZero():
		return "missing source date"
	}
	return ""
}

func recordFromDocument(doc model.SourceDocument) *model.IntakeRecord {
	return &model.IntakeRecord{
		ID:               uuid.New().String(),
		BatchID:          doc.Metadata["batch_id"],
		SourceType:       doc.Origin,
		SourceLocation:   doc.SourceLocation(),
		SourceIdentifier: doc.SourceIdentifier,
		SourceHash:       doc.ContentHash,
		OriginalFilename: doc.OriginalFilename,
		IntakeDate:       doc.SourceDate.UTC(),
		Status:           model.StatusPendingDuplicateCheck,
		UniqueDirectory:  doc.Path,
		Metadata:         doc.Metadata,
	}
}
