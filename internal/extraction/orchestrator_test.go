package extraction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookkeeper/internal/intake"
	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

type mockBackend struct {
	classify func(ctx context.Context, text string) (Classification, error)
	extract  func(ctx context.Context, text string, dt model.DocumentType) (*Candidate, error)
}

func (m *mockBackend) Classify(ctx context.Context, text string) (Classification, error) {
	return m.classify(ctx, text)
}

func (m *mockBackend) Extract(ctx context.Context, text string, dt model.DocumentType) (*Candidate, error) {
	return m.extract(ctx, text, dt)
}

func classifyAs(dt model.DocumentType) func(context.Context, string) (Classification, error) {
	return func(context.Context, string) (Classification, error) {
		return Classification{Type: dt, Confidence: 0.98}, nil
	}
}

func extractFixture() func(context.Context, string, model.DocumentType) (*Candidate, error) {
	return func(_ context.Context, _ string, dt model.DocumentType) (*Candidate, error) {
		cand := candidateFixture()
		cand.DocumentType = dt
		return cand, nil
	}
}

func newTestOrchestrator(t *testing.T, backend Backend) (*Orchestrator, store.Store, *intake.Ledger) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "extraction.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	files, err := intake.NewFileStore(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	q := intake.NewQueue(s)
	ledger := intake.NewLedger(s, q, files)
	o := NewOrchestrator(s, q, backend, NewTextLoader(&fakeOCR{}), Config{MaxRetryAttempts: 3})
	return o, s, ledger
}

func submitTxt(t *testing.T, ledger *intake.Ledger, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "document.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	res, err := ledger.Submit(context.Background(), model.SourceDocument{
		Path:             path,
		OriginalFilename: "document.txt",
		Origin:           model.SourceFileUpload,
		SourceIdentifier: "upload/" + path,
		SourceDate:       time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, intake.SubmitAccepted, res.Status)
	return res.IntakeID
}

func TestProcessNextIdle(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &mockBackend{})
	outcome, err := o.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
}

func TestProcessNextCompletesInvoice(t *testing.T) {
	backend := &mockBackend{classify: classifyAs(model.DocTypeInvoice), extract: extractFixture()}
	o, s, ledger := newTestOrchestrator(t, backend)
	ctx := context.Background()

	id := submitTxt(t, ledger, "Invoice INV-2024-001 from Acme Plumbing, total $100.00")

	outcome, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	rec, err := s.GetIntake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, model.DocTypeInvoice, rec.DocumentType)
	assert.NotEmpty(t, rec.ExtractionRef)

	inv, err := s.InvoiceByIntake(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, rec.ExtractionRef, inv.ID)
	assert.Equal(t, "INV-2024-001", inv.DocumentNumber)
	assert.Equal(t, int64(10000), inv.Amount)
	assert.Contains(t, inv.RawText, "Acme Plumbing")
}

func TestProcessNextCompletesReceipt(t *testing.T) {
	backend := &mockBackend{
		classify: classifyAs(model.DocTypeReceipt),
		extract: func(_ context.Context, _ string, dt model.DocumentType) (*Candidate, error) {
			cand := candidateFixture()
			cand.DocumentType = dt
			cand.PaymentMethod = "visa"
			return cand, nil
		},
	}
	o, s, ledger := newTestOrchestrator(t, backend)
	ctx := context.Background()

	id := submitTxt(t, ledger, "Receipt, paid by visa")

	outcome, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	rcpt, err := s.ReceiptByIntake(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	assert.Equal(t, "visa", rcpt.PaymentMethod)
}

func TestProcessNextIgnoresNonFinancial(t *testing.T) {
	backend := &mockBackend{classify: classifyAs(model.DocTypeOther)}
	o, s, ledger := newTestOrchestrator(t, backend)
	ctx := context.Background()

	id := submitTxt(t, ledger, "meeting notes, nothing financial")

	outcome, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	rec, err := s.GetIntake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIgnored, rec.Status)
	assert.Equal(t, model.DocTypeOther, rec.DocumentType)
}

func TestTimeoutEscalatesAfterRetryBudget(t *testing.T) {
	timeout := &BackendError{Kind: ErrKindTimeout, Op: "classify"}
	backend := &mockBackend{
		classify: func(context.Context, string) (Classification, error) {
			return Classification{}, timeout
		},
	}
	o, s, ledger := newTestOrchestrator(t, backend)
	ctx := context.Background()

	id := submitTxt(t, ledger, "unreachable backend fixture")

	for i := 0; i < 2; i++ {
		outcome, err := o.ProcessNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRequeued, outcome)
	}

	outcome, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, outcome)

	rec, err := s.GetIntake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManualReview, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Contains(t, rec.LastError, "timeout")
}

func TestMalformedResponseSkipsRetry(t *testing.T) {
	backend := &mockBackend{
		classify: classifyAs(model.DocTypeInvoice),
		extract: func(context.Context, string, model.DocumentType) (*Candidate, error) {
			return nil, &BackendError{Kind: ErrKindMalformedResponse, Op: "extract"}
		},
	}
	o, s, ledger := newTestOrchestrator(t, backend)
	ctx := context.Background()

	id := submitTxt(t, ledger, "scrambled response fixture")

	outcome, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, outcome)

	rec, err := s.GetIntake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManualReview, rec.Status)
	assert.Equal(t, 0, rec.RetryCount, "validation class failures never burn retries")
}

func TestValidationFailureGoesToReview(t *testing.T) {
	backend := &mockBackend{
		classify: classifyAs(model.DocTypeInvoice),
		extract: func(_ context.Context, _ string, dt model.DocumentType) (*Candidate, error) {
			cand := candidateFixture()
			cand.DocumentType = dt
			cand.Currency = "XYZ"
			return cand, nil
		},
	}
	o, s, ledger := newTestOrchestrator(t, backend)
	ctx := context.Background()

	id := submitTxt(t, ledger, "bad currency fixture")

	outcome, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, outcome)

	rec, err := s.GetIntake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManualReview, rec.Status)
	assert.Contains(t, rec.LastError, "unrecognized currency")
}

func TestUnreadableDocumentGoesToReview(t *testing.T) {
	backend := &mockBackend{classify: classifyAs(model.DocTypeInvoice), extract: extractFixture()}
	o, s, ledger := newTestOrchestrator(t, backend)
	ctx := context.Background()

	id := submitTxt(t, ledger, "about to vanish")
	rec, err := s.GetIntake(ctx, id)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(rec.UniqueDirectory))

	outcome, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualReview, outcome)

	rec, err = s.GetIntake(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManualReview, rec.Status)
	assert.Zero(t, rec.RetryCount)
}
