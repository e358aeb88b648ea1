package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bookkeeper/internal/model"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a compare-and-set status update or a link
// transaction loses a race. Callers retry from the top; this is expected
// under concurrent workers, not exceptional.
var ErrConflict = eris.New("store: conflict")

// DuplicateError reports that an intake record with the same composite
// duplicate key already exists. It is informational, not a failure: callers
// surface the existing record's id to the submitter.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("store: duplicate intake record, existing id %s", e.ExistingID)
}

// StatusUpdate carries optional fields stamped alongside a status transition.
type StatusUpdate struct {
	LastError      string
	IncrementRetry bool
}

// CandidateFilter narrows unlinked receipts for the linker's
// vendor/amount/date match path.
type CandidateFilter struct {
	AmountMin    int64
	AmountMax    int64
	IssuedAfter  time.Time
	IssuedBefore time.Time
	Limit        int
}

// Store defines the persistence interface for the intake pipeline. Two
// implementations exist: Postgres (pgx) for deployments and SQLite (modernc)
// for local mode and tests. Both must satisfy the same contract suite.
type Store interface {
	// Intake records
	CreateIntake(ctx context.Context, rec *model.IntakeRecord) error
	GetIntake(ctx context.Context, id string) (*model.IntakeRecord, error)
	FindByDuplicateKey(ctx context.Context, key model.DuplicateKey) (*model.IntakeRecord, error)
	CountByHash(ctx context.Context, hash string) (int, error)

	// UpdateIntakeStatus is the sole mutation path for status. It succeeds
	// only if the record's current status equals expected (compare-and-set);
	// otherwise it returns ErrConflict.
	UpdateIntakeStatus(ctx context.Context, id string, expected, next model.Status, upd *StatusUpdate) error
	// CompleteIntake sets extractionRef and moves processing -> completed in
	// one compare-and-set.
	CompleteIntake(ctx context.Context, id, extractionRef string) error
	SetDocumentType(ctx context.Context, id string, dt model.DocumentType) error
	AddIntakeFlag(ctx context.Context, id, flag string) error

	// Queue operations. ClaimNext atomically claims the oldest
	// queued_for_extraction record into processing; (nil, nil) means empty.
	ClaimNext(ctx context.Context) (*model.IntakeRecord, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	ListPendingQueue(ctx context.Context, limit int) ([]model.IntakeRecord, error)
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]model.IntakeRecord, error)
	ListReview(ctx context.Context, limit int) ([]model.IntakeRecord, error)

	// Financial records. Inserts are insert-only with a unique constraint on
	// intake_id, so a retried completion maps onto the already-stored row.
	InsertInvoice(ctx context.Context, inv *model.InvoiceRecord) (string, error)
	InsertReceipt(ctx context.Context, rcpt *model.ReceiptRecord) (string, error)
	GetInvoice(ctx context.Context, id string) (*model.InvoiceRecord, error)
	GetReceipt(ctx context.Context, id string) (*model.ReceiptRecord, error)
	InvoiceByIntake(ctx context.Context, intakeID string) (*model.InvoiceRecord, error)
	ReceiptByIntake(ctx context.Context, intakeID string) (*model.ReceiptRecord, error)

	// Linker queries and the atomic cross-reference write.
	UnlinkedInvoices(ctx context.Context, limit int) ([]model.InvoiceRecord, error)
	ReceiptsCiting(ctx context.Context, docNumber string) ([]model.ReceiptRecord, error)
	ReceiptCandidates(ctx context.Context, f CandidateFilter) ([]model.ReceiptRecord, error)
	LinkPair(ctx context.Context, invoiceID, receiptID string) error
	AddInvoiceFlag(ctx context.Context, id, flag string) error
	AddReceiptFlag(ctx context.Context, id, flag string) error

	// Monitoring feeds
	StatusCounts(ctx context.Context) (map[model.Status]int, error)
	CountManualReviewSince(ctx context.Context, since time.Time) (int, error)
	CountStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
