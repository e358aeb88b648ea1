package model

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of an intake record. The vocabulary
// is closed; transitions between statuses are validated by the intake ledger.
type Status string

const (
	StatusPendingDuplicateCheck Status = "pending_duplicate_check"
	StatusPendingQueue          Status = "pending_queue"
	StatusQueuedForExtraction   Status = "queued_for_extraction"
	StatusProcessing            Status = "processing"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusManualReview          Status = "manual_review"
	StatusIgnored               Status = "ignored"
)

// Terminal reports whether a record in this status can never change again.
// manual_review is terminal-pending: the pipeline is done with the record,
// but a human may still act on it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusIgnored:
		return true
	}
	return false
}

// SourceType identifies how a document entered the system.
type SourceType string

const (
	SourceFileUpload      SourceType = "file_upload"
	SourceEmailAttachment SourceType = "email_attachment"
)

// DocumentType is the classification assigned by the extraction backend.
type DocumentType string

const (
	DocTypeInvoice      DocumentType = "invoice"
	DocTypeReceipt      DocumentType = "receipt"
	DocTypeOther        DocumentType = "other"
	DocTypeIgnored      DocumentType = "ignored"
	DocTypeUnclassified DocumentType = "unclassified"
)

// Flags carried on intake and financial records for conditions that need
// human attention without blocking the pipeline.
const (
	FlagPossibleDuplicate  = "possible_duplicate"
	FlagMissingDocNumber   = "missing_document_number"
	FlagAmountMismatch     = "amount_mismatch"
	FlagLinkAmbiguous      = "link_ambiguous"
	FlagLinkAbandoned      = "link_abandoned"
	FlagRequiresReview     = "requires_review"
)

// SourceDocument is the ephemeral handoff from a source adapter (file upload
// handler, email fetcher). It is never persisted; an IntakeRecord is derived
// from it on submission.
type SourceDocument struct {
	Path string `json:"path"`
	// Location identifies where the document came from for duplicate
	// detection. Adapters whose Path is ephemeral (HTTP uploads land in a
	// temp file) set a stable value here; empty means Path.
	Location         string     `json:"location,omitempty"`
	OriginalFilename string     `json:"original_filename"`
	Origin           SourceType `json:"origin"`
	SourceIdentifier string     `json:"source_identifier"`
	SourceDate       time.Time  `json:"source_date"`
	ContentHash      string     `json:"content_hash"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// DuplicateKey is the four-field composite key used for exact-match duplicate
// detection across sources.
type DuplicateKey struct {
	SourceLocation string    `json:"source_location"`
	SourceID       string    `json:"source_id"`
	Source         string    `json:"source"`
	Date           time.Time `json:"date"`
}

func (k DuplicateKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.SourceLocation, k.SourceID, k.Source, k.Date.UTC().Format(time.RFC3339))
}

// SourceLocation is the stable location used in the duplicate key.
func (d SourceDocument) SourceLocation() string {
	if d.Location != "" {
		return d.Location
	}
	return d.Path
}

// Key derives the duplicate-detection key from a source document.
func (d SourceDocument) Key() DuplicateKey {
	return DuplicateKey{
		SourceLocation: d.SourceLocation(),
		SourceID:       d.SourceIdentifier,
		Source:         string(d.Origin),
		Date:           d.SourceDate.UTC(),
	}
}

// IntakeRecord is the durable audit entity tracking one document from
// submission to its terminal outcome. Records are never deleted; failures and
// duplicates are preserved for the audit trail.
type IntakeRecord struct {
	ID               string            `json:"id"`
	BatchID          string            `json:"batch_id"`
	DocumentType     DocumentType      `json:"document_type"`
	SourceType       SourceType        `json:"source_type"`
	SourceLocation   string            `json:"source_location"`
	SourceIdentifier string            `json:"source_identifier"`
	SourceHash       string            `json:"source_hash"`
	OriginalFilename string            `json:"original_filename"`
	IntakeDate       time.Time         `json:"intake_date"`
	Status           Status            `json:"status"`
	UniqueDirectory  string            `json:"unique_directory"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ExtractionRef    string            `json:"extraction_ref,omitempty"`
	Flags            []string          `json:"flags,omitempty"`
	RetryCount       int               `json:"retry_count"`
	LastError        string            `json:"last_error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Key returns the record's composite duplicate key.
func (r *IntakeRecord) Key() DuplicateKey {
	return DuplicateKey{
		SourceLocation: r.SourceLocation,
		SourceID:       r.SourceIdentifier,
		Source:         string(r.SourceType),
		Date:           r.IntakeDate.UTC(),
	}
}

// HasFlag reports whether the record carries the given flag.
func (r *IntakeRecord) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
