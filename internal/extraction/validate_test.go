package extraction

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookkeeper/internal/model"
)

var testPolicy = ValidatePolicy{LineItemTolerance: 1, DefaultCurrency: "CAD"}

func intakeFixture() *model.IntakeRecord {
	return &model.IntakeRecord{
		ID:         "11111111-2222-3333-4444-555555555555",
		SourceType: model.SourceFileUpload,
	}
}

func candidateFixture() *Candidate {
	return &Candidate{
		DocumentType:   model.DocTypeInvoice,
		Confidence:     0.95,
		DocumentNumber: "INV-2024-001",
		Vendor:         model.Party{Name: "Acme Plumbing Ltd", TaxID: "123456789RT0001"},
		BillTo:         model.Party{Name: "Sells Group"},
		IssueDate:      "2024-03-15",
		DueDate:        "2024-04-14",
		LineItems: []CandidateLineItem{
			{Description: "Service call", Quantity: 1, UnitPrice: "80.00", Total: "80.00"},
			{Description: "Parts", Quantity: 2, UnitPrice: "9.99", Total: "19.98"},
		},
		Subtotal:  "99.98",
		TaxAmount: "0.02",
		Amount:    "100.00",
		Currency:  "CAD",
	}
}

func TestBuildInvoice(t *testing.T) {
	inv, err := buildInvoice(candidateFixture(), intakeFixture(), "raw invoice text", testPolicy)
	require.NoError(t, err)

	assert.Equal(t, "INV-2024-001", inv.DocumentNumber)
	assert.Equal(t, int64(10000), inv.Amount)
	assert.Equal(t, int64(9998), inv.Subtotal)
	assert.Equal(t, int64(2), inv.TaxAmount)
	assert.Equal(t, "CAD", inv.Currency)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), inv.IssueDate)
	require.NotNil(t, inv.DueDate)
	require.Len(t, inv.LineItems, 2)
	assert.Equal(t, int64(1998), inv.LineItems[1].Total)
	assert.Empty(t, inv.MissingFields)
	assert.Empty(t, inv.Flags)
}

func TestLineItemTolerance(t *testing.T) {
	// Two line items summing to 9998 against a 10000 total: with a 1-unit
	// per-item tolerance the 2-unit gap is absorbed.
	cand := candidateFixture()
	cand.TaxAmount = ""
	inv, err := buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.NoError(t, err)
	assert.NotContains(t, inv.Flags, model.FlagAmountMismatch)

	// One more unit of drift crosses the threshold. The mismatch is flagged
	// but storage is not blocked.
	cand = candidateFixture()
	cand.Amount = "100.01"
	inv, err = buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.NoError(t, err)
	assert.Contains(t, inv.Flags, model.FlagAmountMismatch)
}

func TestPlaceholderDocumentNumber(t *testing.T) {
	cand := candidateFixture()
	cand.DocumentNumber = ""
	rec := intakeFixture()

	inv, err := buildInvoice(cand, rec, "", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, "file_upload-"+rec.ID, inv.DocumentNumber)
	assert.Contains(t, inv.Flags, model.FlagMissingDocNumber)
	assert.Contains(t, inv.MissingFields, "document_number")
	assert.Contains(t, inv.Flags, model.FlagRequiresReview)
}

func TestNegativeAmountRequiresCreditNote(t *testing.T) {
	cand := candidateFixture()
	cand.Amount = "-100.00"
	cand.LineItems = nil

	_, err := buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credit note")

	cand.CreditNote = true
	inv, err := buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, int64(-10000), inv.Amount)
}

func TestCurrencyPolicy(t *testing.T) {
	cand := candidateFixture()
	cand.Currency = ""
	inv, err := buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, "CAD", inv.Currency)
	assert.Contains(t, inv.MissingFields, "currency")

	cand = candidateFixture()
	cand.Currency = "XYZ"
	_, err = buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized currency")
}

func TestUnparsableIssueDateFails(t *testing.T) {
	cand := candidateFixture()
	cand.IssueDate = "sometime in March"
	_, err := buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.Error(t, err)
}

func TestBadDueDateIsSoft(t *testing.T) {
	cand := candidateFixture()
	cand.DueDate = "upon receipt"
	inv, err := buildInvoice(cand, intakeFixture(), "", testPolicy)
	require.NoError(t, err)
	assert.Nil(t, inv.DueDate)
	assert.Contains(t, inv.MissingFields, "due_date")
}

func TestBuildReceipt(t *testing.T) {
	cand := candidateFixture()
	cand.DocumentType = model.DocTypeReceipt
	cand.PaymentMethod = "visa"

	rcpt, err := buildReceipt(cand, intakeFixture(), "paid in full", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, "visa", rcpt.PaymentMethod)
	assert.Equal(t, int64(10000), rcpt.Amount)
	assert.Empty(t, rcpt.MissingFields)

	cand.PaymentMethod = ""
	rcpt, err = buildReceipt(cand, intakeFixture(), "", testPolicy)
	require.NoError(t, err)
	assert.Contains(t, rcpt.MissingFields, "payment_method")
	assert.Contains(t, rcpt.Flags, model.FlagRequiresReview)
}

func TestRawTextCapped(t *testing.T) {
	long := strings.Repeat("x", rawTextLimit+500)
	inv, err := buildInvoice(candidateFixture(), intakeFixture(), long, testPolicy)
	require.NoError(t, err)
	assert.Len(t, inv.RawText, rawTextLimit)
}

func TestNormalizationDeterministic(t *testing.T) {
	// Steps 1-5 are pure: the same candidate must normalize identically on
	// a retried attempt.
	a, err := buildInvoice(candidateFixture(), intakeFixture(), "raw", testPolicy)
	require.NoError(t, err)
	b, err := buildInvoice(candidateFixture(), intakeFixture(), "raw", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
