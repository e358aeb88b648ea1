package extraction

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bookkeeper/internal/intake"
	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/resilience"
	"github.com/sells-group/bookkeeper/internal/store"
)

// Outcome reports what ProcessNext did with the claimed record.
type Outcome string

const (
	OutcomeIdle         Outcome = "idle"
	OutcomeCompleted    Outcome = "completed"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeManualReview Outcome = "manual_review"
)

// Config tunes the orchestrator's retry policy and worker pacing.
type Config struct {
	// MaxRetryAttempts bounds transient-failure retries; past it the record
	// goes to manual_review instead of failed so a human can intervene.
	MaxRetryAttempts int
	PollInterval     time.Duration
	// Retry supplies the backoff schedule a worker sleeps after requeueing
	// its record, so a flapping backend is not hammered at poll speed.
	Retry  resilience.RetryConfig
	Policy ValidatePolicy
}

// Orchestrator claims queued intake records and drives each through
// classification, extraction, validation, and persistence. Everything before
// the financial insert is free of durable side effects, which is what makes
// requeue-on-transient-failure safe.
type Orchestrator struct {
	store   store.Store
	queue   *intake.Queue
	backend Backend
	loader  *TextLoader
	cfg     Config
}

func NewOrchestrator(s store.Store, q *intake.Queue, backend Backend, loader *TextLoader, cfg Config) *Orchestrator {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Policy.DefaultCurrency == "" {
		cfg.Policy.DefaultCurrency = "CAD"
	}
	if cfg.Policy.LineItemTolerance <= 0 {
		cfg.Policy.LineItemTolerance = 1
	}
	return &Orchestrator{store: s, queue: q, backend: backend, loader: loader, cfg: cfg}
}

// ProcessNext claims and processes one record. Returns OutcomeIdle when the
// queue is empty. Failures are absorbed into the record's status; the error
// return is reserved for infrastructure problems that prevented even an
// escalation write.
func (o *Orchestrator) ProcessNext(ctx context.Context) (Outcome, error) {
	rec, err := o.queue.DequeueNext(ctx)
	if err != nil {
		return OutcomeIdle, err
	}
	if rec == nil {
		return OutcomeIdle, nil
	}
	log := zap.L().With(zap.String("intake_id", rec.ID), zap.String("filename", rec.OriginalFilename))
	log.Info("processing document")

	text, err := o.loader.Load(ctx, rec)
	if err != nil {
		// Structural: the document will not become readable on retry.
		log.Warn("document unreadable", zap.Error(err))
		return o.escalate(ctx, rec, err)
	}

	cls, err := o.backend.Classify(ctx, text)
	if err != nil {
		return o.fail(ctx, rec, log, err)
	}
	if cls.Type == model.DocTypeOther {
		if err := o.store.SetDocumentType(ctx, rec.ID, model.DocTypeOther); err != nil {
			return o.fail(ctx, rec, log, err)
		}
		if err := o.store.UpdateIntakeStatus(ctx, rec.ID, model.StatusProcessing, model.StatusIgnored, nil); err != nil {
			return o.fail(ctx, rec, log, err)
		}
		log.Info("document ignored", zap.Float64("confidence", cls.Confidence))
		return OutcomeIgnored, nil
	}

	cand, err := o.backend.Extract(ctx, text, cls.Type)
	if err != nil {
		return o.fail(ctx, rec, log, err)
	}

	ref, err := o.persist(ctx, rec, cand, text)
	if err != nil {
		var verr *validationError
		if errors.As(err, &verr) {
			log.Warn("candidate failed validation", zap.Error(verr.err))
			return o.escalate(ctx, rec, verr.err)
		}
		return o.fail(ctx, rec, log, err)
	}

	if err := o.store.CompleteIntake(ctx, rec.ID, ref); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A liveness sweep stole the record mid-flight. The financial
			// insert is idempotent, so the next claim completes cleanly.
			log.Warn("completion lost to concurrent requeue")
			return OutcomeRequeued, nil
		}
		return o.fail(ctx, rec, log, err)
	}

	log.Info("document completed",
		zap.String("document_type", string(cls.Type)),
		zap.String("extraction_ref", ref),
	)
	return OutcomeCompleted, nil
}

type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// persist validates the candidate and inserts the financial record,
// returning the durable reference.
func (o *Orchestrator) persist(ctx context.Context, rec *model.IntakeRecord, cand *Candidate, rawText string) (string, error) {
	if err := o.store.SetDocumentType(ctx, rec.ID, cand.DocumentType); err != nil {
		return "", err
	}

	switch cand.DocumentType {
	case model.DocTypeInvoice:
		inv, err := buildInvoice(cand, rec, rawText, o.cfg.Policy)
		if err != nil {
			return "", &validationError{err: err}
		}
		return o.store.InsertInvoice(ctx, inv)
	case model.DocTypeReceipt:
		rcpt, err := buildReceipt(cand, rec, rawText, o.cfg.Policy)
		if err != nil {
			return "", &validationError{err: err}
		}
		return o.store.InsertReceipt(ctx, rcpt)
	default:
		return "", &validationError{err: errors.New("extraction: candidate has no extractable type")}
	}
}

// fail routes an in-flight failure: transient errors requeue until the retry
// budget is spent, everything else escalates to manual review.
func (o *Orchestrator) fail(ctx context.Context, rec *model.IntakeRecord, log *zap.Logger, cause error) (Outcome, error) {
	if resilience.IsTransient(cause) {
		if rec.RetryCount+1 >= o.cfg.MaxRetryAttempts {
			log.Warn("retry budget exhausted", zap.Int("retry_count", rec.RetryCount+1), zap.Error(cause))
			upd := &store.StatusUpdate{LastError: cause.Error(), IncrementRetry: true}
			if err := o.store.UpdateIntakeStatus(ctx, rec.ID, model.StatusProcessing, model.StatusManualReview, upd); err != nil {
				return OutcomeManualReview, err
			}
			return OutcomeManualReview, nil
		}
		log.Warn("transient failure, requeueing", zap.Int("retry_count", rec.RetryCount+1), zap.Error(cause))
		if err := o.queue.Requeue(ctx, rec.ID, cause.Error()); err != nil {
			return OutcomeRequeued, err
		}
		return OutcomeRequeued, nil
	}
	return o.escalate(ctx, rec, cause)
}

// escalate moves the record to manual review preserving the cause.
func (o *Orchestrator) escalate(ctx context.Context, rec *model.IntakeRecord, cause error) (Outcome, error) {
	upd := &store.StatusUpdate{LastError: cause.Error()}
	if err := o.store.UpdateIntakeStatus(ctx, rec.ID, model.StatusProcessing, model.StatusManualReview, upd); err != nil {
		return OutcomeManualReview, err
	}
	return OutcomeManualReview, nil
}

// Run executes a worker pool, each looping ProcessNext until the context is
// cancelled. Exclusivity comes from the store's claim, not in-process
// locking, so workers can also be spread across processes.
func (o *Orchestrator) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			log := zap.L().With(zap.Int("worker", worker))
			for {
				outcome, err := o.ProcessNext(ctx)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				switch {
				case err != nil:
					log.Error("processing error", zap.Error(err))
					if !sleep(ctx, o.cfg.PollInterval) {
						return ctx.Err()
					}
				case outcome == OutcomeIdle:
					if !sleep(ctx, o.cfg.PollInterval) {
						return ctx.Err()
					}
				case outcome == OutcomeRequeued:
					// Pace retries so a struggling backend gets air.
					if !sleep(ctx, o.cfg.Retry.Backoff(1)) {
						return ctx.Err()
					}
				}
			}
		})
	}
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
