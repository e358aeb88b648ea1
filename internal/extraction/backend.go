// Package extraction drives claimed intake records through classification,
// structured extraction, validation, and persistence.
package extraction

import (
	"context"
	"fmt"

	"github.com/sells-group/bookkeeper/internal/model"
)

// BackendErrorKind is the closed vocabulary of extraction backend failures.
type BackendErrorKind string

const (
	ErrKindTimeout           BackendErrorKind = "timeout"
	ErrKindRateLimited       BackendErrorKind = "rate_limited"
	ErrKindMalformedResponse BackendErrorKind = "malformed_response"
	ErrKindUnsupportedFormat BackendErrorKind = "unsupported_format"
)

// BackendError is the only error type that crosses the Backend boundary.
// Timeouts and rate limits are transient and requeue the record; malformed
// responses and unsupported formats will not improve on retry.
type BackendError struct {
	Kind BackendErrorKind
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("extraction: %s: %s", e.Op, e.Kind)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Transient implements the resilience package's classification interface.
func (e *BackendError) Transient() bool {
	return e.Kind == ErrKindTimeout || e.Kind == ErrKindRateLimited
}

// Classification is the result of the cheap classification pass.
type Classification struct {
	Type       model.DocumentType `json:"document_type"`
	Confidence float64            `json:"confidence"`
}

// CandidateLineItem carries amounts as the backend returned them; parsing to
// minor units happens in validation.
type CandidateLineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Total       string `json:"total"`
}

// Candidate is the unvalidated structured-extraction result. All amounts and
// dates are raw strings; nothing here is trusted until validation normalizes
// it into an InvoiceRecord or ReceiptRecord.
type Candidate struct {
	DocumentType   model.DocumentType  `json:"document_type"`
	Confidence     float64             `json:"confidence"`
	CreditNote     bool                `json:"credit_note"`
	DocumentNumber string              `json:"document_number"`
	Vendor         model.Party         `json:"vendor"`
	BillTo         model.Party         `json:"bill_to"`
	IssueDate      string              `json:"issue_date"`
	DueDate        string              `json:"due_date"`
	PaymentMethod  string              `json:"payment_method"`
	LineItems      []CandidateLineItem `json:"line_items"`
	Subtotal       string              `json:"subtotal"`
	TaxAmount      string              `json:"tax_amount"`
	Amount         string              `json:"amount"`
	Currency       string              `json:"currency"`
}

// Backend is the external AI service boundary. Implementations return only
// *BackendError on failure.
type Backend interface {
	Classify(ctx context.Context, text string) (Classification, error)
	Extract(ctx context.Context, text string, docType model.DocumentType) (*Candidate, error)
}
