package extraction

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bookkeeper/internal/model"
)

// rawTextLimit caps stored document text so one scanned novel of a PDF
// cannot bloat the financial records.
const rawTextLimit = 10000

// recognizedCurrencies is the whitelist for extracted currency codes.
var recognizedCurrencies = map[string]bool{
	"CAD": true, "USD": true, "EUR": true, "GBP": true, "AUD": true,
	"NZD": true, "CHF": true, "JPY": true, "CNY": true, "INR": true,
	"MXN": true, "SEK": true, "NOK": true, "DKK": true,
}

// ValidatePolicy carries the tunable parts of candidate validation.
type ValidatePolicy struct {
	// LineItemTolerance is the allowed gap, in minor units per line item,
	// between the line item sum and the document total.
	LineItemTolerance int64
	DefaultCurrency   string
}

// validated is the normalized intermediate both record builders share.
type validated struct {
	documentNumber string
	vendor         model.Party
	billTo         model.Party
	issueDate      time.Time
	lineItems      []model.LineItem
	subtotal       int64
	taxAmount      int64
	amount         int64
	currency       string
	flags          []string
	missingFields  []string
	rawText        string
}

// normalizeCandidate applies the validation policy to a raw candidate.
// An error here is a validation failure: it is never retried against the
// same backend output and routes the record to manual review.
func normalizeCandidate(cand *Candidate, rec *model.IntakeRecord, rawText string, policy ValidatePolicy) (*validated, error) {
	v := &validated{}

	v.documentNumber = cand.DocumentNumber
	if v.documentNumber == "" {
		v.documentNumber = string(rec.SourceType) + "-" + rec.ID
		v.flags = append(v.flags, model.FlagMissingDocNumber)
		v.missingFields = append(v.missingFields, "document_number")
	}

	amount, err := model.ParseAmount(cand.Amount)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: validate amount")
	}
	if amount < 0 && !cand.CreditNote {
		return nil, eris.Errorf("extraction: negative amount %s on a non credit note", cand.Amount)
	}
	v.amount = amount

	v.subtotal, err = optionalAmount(cand.Subtotal)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: validate subtotal")
	}
	v.taxAmount, err = optionalAmount(cand.TaxAmount)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: validate tax amount")
	}

	v.currency = cand.Currency
	if v.currency == "" {
		v.currency = policy.DefaultCurrency
		v.missingFields = append(v.missingFields, "currency")
	} else if !recognizedCurrencies[v.currency] {
		return nil, eris.Errorf("extraction: unrecognized currency %q", cand.Currency)
	}

	v.issueDate, err = model.ParseDate(cand.IssueDate, nil)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: validate issue date")
	}

	for _, it := range cand.LineItems {
		unitPrice, err := optionalAmount(it.UnitPrice)
		if err != nil {
			return nil, eris.Wrapf(err, "extraction: validate line item %q unit price", it.Description)
		}
		total, err := model.ParseAmount(it.Total)
		if err != nil {
			return nil, eris.Wrapf(err, "extraction: validate line item %q total", it.Description)
		}
		v.lineItems = append(v.lineItems, model.LineItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   unitPrice,
			Total:       total,
		})
	}

	// Cross-check line items against the total, allowing rounding drift per
	// item. A miss is flagged for review but does not block storage.
	if n := len(v.lineItems); n > 0 {
		tolerance := policy.LineItemTolerance * int64(n)
		diff := model.LineItemSum(v.lineItems) - v.amount
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			v.flags = append(v.flags, model.FlagAmountMismatch)
		}
	}

	if cand.Vendor.Name == "" {
		v.missingFields = append(v.missingFields, "vendor.name")
	}
	v.vendor = cand.Vendor
	v.billTo = cand.BillTo

	if len(rawText) > rawTextLimit {
		rawText = rawText[:rawTextLimit]
	}
	v.rawText = rawText

	return v, nil
}

// buildInvoice turns a candidate into an insertable InvoiceRecord.
func buildInvoice(cand *Candidate, rec *model.IntakeRecord, rawText string, policy ValidatePolicy) (*model.InvoiceRecord, error) {
	v, err := normalizeCandidate(cand, rec, rawText, policy)
	if err != nil {
		return nil, err
	}

	var dueDate *time.Time
	if cand.DueDate != "" {
		if d, err := model.ParseDate(cand.DueDate, nil); err == nil {
			dueDate = &d
		} else {
			v.missingFields = append(v.missingFields, "due_date")
		}
	}

	inv := &model.InvoiceRecord{
		IntakeID:       rec.ID,
		DocumentNumber: v.documentNumber,
		Vendor:         v.vendor,
		BillTo:         v.billTo,
		IssueDate:      v.issueDate,
		DueDate:        dueDate,
		LineItems:      v.lineItems,
		Subtotal:       v.subtotal,
		TaxAmount:      v.taxAmount,
		Amount:         v.amount,
		Currency:       v.currency,
		Flags:          v.flags,
		MissingFields:  v.missingFields,
		RawText:        v.rawText,
	}
	if len(inv.MissingFields) > 0 {
		inv.Flags = append(inv.Flags, model.FlagRequiresReview)
	}
	return inv, nil
}

// buildReceipt turns a candidate into an insertable ReceiptRecord.
func buildReceipt(cand *Candidate, rec *model.IntakeRecord, rawText string, policy ValidatePolicy) (*model.ReceiptRecord, error) {
	v, err := normalizeCandidate(cand, rec, rawText, policy)
	if err != nil {
		return nil, err
	}

	if cand.PaymentMethod == "" {
		v.missingFields = append(v.missingFields, "payment_method")
	}

	rcpt := &model.ReceiptRecord{
		IntakeID:       rec.ID,
		DocumentNumber: v.documentNumber,
		Vendor:         v.vendor,
		BillTo:         v.billTo,
		IssueDate:      v.issueDate,
		PaymentMethod:  cand.PaymentMethod,
		LineItems:      v.lineItems,
		Subtotal:       v.subtotal,
		TaxAmount:      v.taxAmount,
		Amount:         v.amount,
		Currency:       v.currency,
		Flags:          v.flags,
		MissingFields:  v.missingFields,
		RawText:        v.rawText,
	}
	if len(rcpt.MissingFields) > 0 {
		rcpt.Flags = append(rcpt.Flags, model.FlagRequiresReview)
	}
	return rcpt, nil
}

func optionalAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return model.ParseAmount(s)
}
