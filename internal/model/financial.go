package model

import "time"

// Party identifies a company or person on a financial document.
type Party struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	TaxID   string `json:"tax_id,omitempty"`
}

// LineItem is a single billed item. All monetary fields are minor currency
// units (cents).
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Total       int64  `json:"total"`
}

// InvoiceRecord is the structured result of extracting an invoice document.
// ReceiptID starts empty and is populated only by the linker.
type InvoiceRecord struct {
	ID             string     `json:"id"`
	IntakeID       string     `json:"intake_id"`
	DocumentNumber string     `json:"document_number"`
	Vendor         Party      `json:"vendor"`
	BillTo         Party      `json:"bill_to"`
	IssueDate      time.Time  `json:"issue_date"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	LineItems      []LineItem `json:"line_items"`
	Subtotal       int64      `json:"subtotal"`
	TaxAmount      int64      `json:"tax_amount"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	ReceiptID      string     `json:"receipt_id,omitempty"`
	Flags          []string   `json:"flags,omitempty"`
	MissingFields  []string   `json:"missing_fields,omitempty"`
	RawText        string     `json:"raw_text,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ReceiptRecord is the structured result of extracting a receipt document.
// InvoiceID starts empty and is populated only by the linker.
type ReceiptRecord struct {
	ID             string     `json:"id"`
	IntakeID       string     `json:"intake_id"`
	DocumentNumber string     `json:"document_number"`
	Vendor         Party      `json:"vendor"`
	BillTo         Party      `json:"bill_to"`
	IssueDate      time.Time  `json:"issue_date"`
	PaymentMethod  string     `json:"payment_method,omitempty"`
	LineItems      []LineItem `json:"line_items"`
	Subtotal       int64      `json:"subtotal"`
	TaxAmount      int64      `json:"tax_amount"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	InvoiceID      string     `json:"invoice_id,omitempty"`
	Flags          []string   `json:"flags,omitempty"`
	MissingFields  []string   `json:"missing_fields,omitempty"`
	RawText        string     `json:"raw_text,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LineItemSum returns the sum of line item totals.
func LineItemSum(items []LineItem) int64 {
	var sum int64
	for _, it := range items {
		sum += it.Total
	}
	return sum
}
