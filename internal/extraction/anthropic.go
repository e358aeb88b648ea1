package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/bookkeeper/internal/config"
	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/resilience"
	"github.com/sells-group/bookkeeper/pkg/anthropic"
)

const classifySystemPrompt = `Classify financial documents into exactly one of these categories: invoice, receipt, other. An invoice requests payment; a receipt confirms payment was made; anything that is not a financial document is other. Respond with a valid JSON object: {"document_type": "<category>", "confidence": <0.0-1.0>}`

const classifyUserPrompt = `Document text (first %d chars):
%s`

const extractSystemPrompt = `Extract structured data from the financial document. Respond with a valid JSON object and nothing else:
{
  "document_number": "<string or empty>",
  "credit_note": <true if this is a credit note or refund>,
  "vendor": {"name": "", "address": "", "phone": "", "email": "", "tax_id": ""},
  "bill_to": {"name": "", "address": "", "phone": "", "email": "", "tax_id": ""},
  "issue_date": "<YYYY-MM-DD>",
  "due_date": "<YYYY-MM-DD or empty>",
  "payment_method": "<string or empty>",
  "line_items": [{"description": "", "quantity": 1, "unit_price": "0.00", "total": "0.00"}],
  "subtotal": "<decimal string>",
  "tax_amount": "<decimal string>",
  "amount": "<decimal string, the grand total>",
  "currency": "<3-letter code>",
  "confidence": <0.0-1.0>
}
All monetary values are decimal strings with two fractional digits. Omit nothing; use empty strings for unknown fields.`

const classifyExcerptLimit = 4000

// AnthropicBackend implements Backend on the Anthropic API. Classification
// uses the cheap model tier, structured extraction the stronger one. All
// calls share a rate limiter and a circuit breaker; an open circuit reads as
// transient so records requeue instead of landing in manual review.
type AnthropicBackend struct {
	client        anthropic.Client
	classifyModel string
	extractModel  string
	limiter       *rate.Limiter
	breaker       *resilience.CircuitBreaker
	timeout       time.Duration
}

func NewAnthropicBackend(client anthropic.Client, cfg config.AnthropicConfig, breaker *resilience.CircuitBreaker) *AnthropicBackend {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 2
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnthropicBackend{
		client:        client,
		classifyModel: cfg.ClassifyModel,
		extractModel:  cfg.ExtractModel,
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
		breaker:       breaker,
		timeout:       timeout,
	}
}

func (b *AnthropicBackend) Classify(ctx context.Context, text string) (Classification, error) {
	excerpt := text
	if len(excerpt) > classifyExcerptLimit {
		excerpt = excerpt[:classifyExcerptLimit]
	}

	req := anthropic.MessageRequest{
		Model:     b.classifyModel,
		MaxTokens: 128,
		System:    anthropic.BuildCachedSystemBlocks(classifySystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(classifyUserPrompt, classifyExcerptLimit, excerpt)},
		},
	}

	resp, err := b.send(ctx, req)
	if err != nil {
		return Classification{}, backendErr("classify", err)
	}
	resp.Usage.LogCost(b.classifyModel, "classify")

	var result Classification
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &result); err != nil {
		return Classification{}, &BackendError{Kind: ErrKindMalformedResponse, Op: "classify", Err: err}
	}
	switch result.Type {
	case model.DocTypeInvoice, model.DocTypeReceipt, model.DocTypeOther:
	default:
		return Classification{}, &BackendError{
			Kind: ErrKindMalformedResponse,
			Op:   "classify",
			Err:  fmt.Errorf("unknown document type %q", result.Type),
		}
	}
	return result, nil
}

func (b *AnthropicBackend) Extract(ctx context.Context, text string, docType model.DocumentType) (*Candidate, error) {
	req := anthropic.MessageRequest{
		Model:     b.extractModel,
		MaxTokens: 4096,
		System:    anthropic.BuildCachedSystemBlocks(extractSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("Document type: %s\n\nDocument text:\n%s", docType, text)},
		},
	}

	resp, err := b.send(ctx, req)
	if err != nil {
		return nil, backendErr("extract", err)
	}
	resp.Usage.LogCost(b.extractModel, "extract")

	cand, err := parseCandidate(cleanJSON(resp.Text()), docType)
	if err != nil {
		return nil, &BackendError{Kind: ErrKindMalformedResponse, Op: "extract", Err: err}
	}
	return cand, nil
}

func (b *AnthropicBackend) send(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return b.client.CreateMessage(ctx, req)
	})
}

// backendErr maps transport failures onto the backend error vocabulary.
func backendErr(op string, err error) *BackendError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &BackendError{Kind: ErrKindTimeout, Op: op, Err: err}
	case anthropic.StatusCode(err) == http.StatusTooManyRequests:
		return &BackendError{Kind: ErrKindRateLimited, Op: op, Err: err}
	case resilience.IsTransient(err):
		return &BackendError{Kind: ErrKindTimeout, Op: op, Err: err}
	}
	return &BackendError{Kind: ErrKindMalformedResponse, Op: op, Err: err}
}

// parseCandidate decodes the extraction response and enforces the minimum
// shape the validator depends on. Unknown fields are rejected so a drifting
// response schema surfaces as malformed instead of silently losing data.
func parseCandidate(text string, docType model.DocumentType) (*Candidate, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()

	var cand Candidate
	if err := dec.Decode(&cand); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cand.Amount) == "" {
		return nil, errors.New("missing amount")
	}
	cand.DocumentType = docType
	return &cand, nil
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
