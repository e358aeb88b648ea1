package linker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "linker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedIntake(t *testing.T, s store.Store) *model.IntakeRecord {
	t.Helper()
	rec := &model.IntakeRecord{
		SourceType:       model.SourceFileUpload,
		SourceLocation:   "/in/" + uuid.New().String(),
		SourceIdentifier: uuid.New().String(),
		IntakeDate:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:           model.StatusCompleted,
	}
	require.NoError(t, s.CreateIntake(context.Background(), rec))
	return rec
}

func seedInvoice(t *testing.T, s store.Store, docNum, vendor string, amount int64, issued time.Time) *model.InvoiceRecord {
	t.Helper()
	inv := &model.InvoiceRecord{
		IntakeID:       seedIntake(t, s).ID,
		DocumentNumber: docNum,
		Vendor:         model.Party{Name: vendor},
		IssueDate:      issued,
		Amount:         amount,
		Currency:       "CAD",
	}
	id, err := s.InsertInvoice(context.Background(), inv)
	require.NoError(t, err)
	inv.ID = id
	return inv
}

func seedReceipt(t *testing.T, s store.Store, vendor string, amount int64, issued time.Time, rawText string) *model.ReceiptRecord {
	t.Helper()
	rcpt := &model.ReceiptRecord{
		IntakeID:  seedIntake(t, s).ID,
		Vendor:    model.Party{Name: vendor},
		IssueDate: issued,
		Amount:    amount,
		Currency:  "CAD",
		RawText:   rawText,
	}
	id, err := s.InsertReceipt(context.Background(), rcpt)
	require.NoError(t, err)
	rcpt.ID = id
	return rcpt
}

var issued = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func newTestLinker(s store.Store) *Linker {
	l := New(s, DefaultConfig())
	// Sweeps run "shortly after" the fixtures' issue dates.
	l.now = func() time.Time { return issued.Add(30 * 24 * time.Hour) }
	return l
}

func TestReconcileByCitation(t *testing.T) {
	s := newTestStore(t)
	l := newTestLinker(s)
	ctx := context.Background()

	inv := seedInvoice(t, s, "INV-2024-001", "Acme Plumbing Ltd", 10000, issued)
	// Amount differs (partial payment), but the receipt cites the invoice.
	rcpt := seedReceipt(t, s, "ACME PLG", 9500, issued.AddDate(0, 0, 10),
		"Payment received for INV-2024-001, thank you")

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Linked)

	gotInv, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	gotRcpt, err := s.GetReceipt(ctx, rcpt.ID)
	require.NoError(t, err)
	assert.Equal(t, rcpt.ID, gotInv.ReceiptID)
	assert.Equal(t, inv.ID, gotRcpt.InvoiceID)
}

func TestReconcileByVendorAmountWindow(t *testing.T) {
	s := newTestStore(t)
	l := newTestLinker(s)
	ctx := context.Background()

	inv := seedInvoice(t, s, "A-77", "Café Acme Ltd.", 10000, issued)
	// No citation, but vendor matches after normalization and the amount is
	// within the 2-unit tolerance.
	rcpt := seedReceipt(t, s, "cafe acme", 9998, issued.AddDate(0, 0, 20), "card payment")

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Linked)

	gotInv, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, rcpt.ID, gotInv.ReceiptID)
}

func TestReconcileOutsideWindowOrTolerance(t *testing.T) {
	s := newTestStore(t)
	l := newTestLinker(s)
	ctx := context.Background()

	seedInvoice(t, s, "B-1", "Northern Supply", 10000, issued)
	// Amount off by more than tolerance.
	seedReceipt(t, s, "Northern Supply", 9000, issued.AddDate(0, 0, 5), "")
	// Right amount, but dated before the invoice.
	seedReceipt(t, s, "Northern Supply", 10000, issued.AddDate(0, 0, -5), "")
	// Right amount, but past the 90-day window.
	seedReceipt(t, s, "Northern Supply", 10000, issued.AddDate(0, 0, 120), "")

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Linked)
	assert.Zero(t, rep.Ambiguous)
}

func TestReconcileAmbiguous(t *testing.T) {
	s := newTestStore(t)
	l := newTestLinker(s)
	ctx := context.Background()

	inv := seedInvoice(t, s, "C-9", "Acme Plumbing", 5000, issued)
	r1 := seedReceipt(t, s, "Acme Plumbing", 5000, issued.AddDate(0, 0, 3), "")
	r2 := seedReceipt(t, s, "Acme Plumbing Inc", 5001, issued.AddDate(0, 0, 8), "")

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Linked)
	assert.Equal(t, 1, rep.Ambiguous)

	gotInv, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, gotInv.ReceiptID, "ambiguous matches never auto-link")
	assert.Contains(t, gotInv.Flags, model.FlagLinkAmbiguous)

	for _, id := range []string{r1.ID, r2.ID} {
		got, err := s.GetReceipt(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, got.InvoiceID)
		assert.Contains(t, got.Flags, model.FlagLinkAmbiguous)
	}
}

func TestReconcileExclusivity(t *testing.T) {
	s := newTestStore(t)
	l := newTestLinker(s)
	ctx := context.Background()

	inv1 := seedInvoice(t, s, "D-1", "Acme Plumbing", 5000, issued)
	inv2 := seedInvoice(t, s, "D-2", "Acme Plumbing", 5000, issued)
	rcpt := seedReceipt(t, s, "Acme Plumbing", 5000, issued.AddDate(0, 0, 3), "")

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Linked)

	got1, err := s.GetInvoice(ctx, inv1.ID)
	require.NoError(t, err)
	got2, err := s.GetInvoice(ctx, inv2.ID)
	require.NoError(t, err)
	gotR, err := s.GetReceipt(ctx, rcpt.ID)
	require.NoError(t, err)

	// Exactly one invoice holds the receipt, and the references agree.
	linked := got1
	if got1.ReceiptID == "" {
		linked = got2
		assert.Empty(t, got1.ReceiptID)
	} else {
		assert.Empty(t, got2.ReceiptID)
	}
	assert.Equal(t, rcpt.ID, linked.ReceiptID)
	assert.Equal(t, linked.ID, gotR.InvoiceID)
}

func TestReconcileAbandonsOldInvoices(t *testing.T) {
	s := newTestStore(t)
	l := newTestLinker(s)
	ctx := context.Background()

	old := seedInvoice(t, s, "E-1", "Dusty Vendor", 700, issued.AddDate(0, -7, 0))

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Abandoned)

	got, err := s.GetInvoice(ctx, old.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Flags, model.FlagLinkAbandoned)

	// Abandoned invoices drop out of later sweeps.
	rep, err = l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
}

func TestReconcileSkipsPlaceholderNumbers(t *testing.T) {
	s := newTestStore(t)
	l := newTestLinker(s)
	ctx := context.Background()

	inv := seedInvoice(t, s, "file_upload-abc123", "Vendor One", 4200, issued)
	require.NoError(t, s.AddInvoiceFlag(ctx, inv.ID, model.FlagMissingDocNumber))
	// A receipt whose raw text happens to contain the placeholder must not
	// match through the citation path.
	seedReceipt(t, s, "Unrelated Vendor", 100, issued.AddDate(0, 0, 2),
		"ref file_upload-abc123")

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Linked)
}

func TestNormalizeVendor(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Acme Plumbing Ltd.", "acme plumbing"},
		{"ACME  PLUMBING", "acme plumbing"},
		{"Café Açme, Inc.", "cafe acme"},
		{"Smith & Sons LLC", "smith sons"},
		{"Ltd", "ltd"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeVendor(tc.in), "input %q", tc.in)
	}
}
