package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bookkeeper/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS intake_records (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL DEFAULT '',
	document_type     TEXT NOT NULL DEFAULT 'unclassified',
	source_type       TEXT NOT NULL,
	source_location   TEXT NOT NULL,
	source_identifier TEXT NOT NULL,
	source_hash       TEXT NOT NULL DEFAULT '',
	original_filename TEXT NOT NULL DEFAULT '',
	intake_date       DATETIME NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending_duplicate_check',
	unique_directory  TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL DEFAULT '{}',
	extraction_ref    TEXT,
	flags             TEXT NOT NULL DEFAULT '[]',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_intake_duplicate_key
	ON intake_records(source_location, source_identifier, source_type, intake_date);
CREATE INDEX IF NOT EXISTS idx_intake_status ON intake_records(status);
CREATE INDEX IF NOT EXISTS idx_intake_hash ON intake_records(source_hash);
CREATE INDEX IF NOT EXISTS idx_intake_batch ON intake_records(batch_id);

CREATE TABLE IF NOT EXISTS invoices (
	id              TEXT PRIMARY KEY,
	intake_id       TEXT NOT NULL UNIQUE REFERENCES intake_records(id),
	document_number TEXT NOT NULL DEFAULT '',
	vendor          TEXT NOT NULL DEFAULT '{}',
	bill_to         TEXT NOT NULL DEFAULT '{}',
	issue_date      DATETIME NOT NULL,
	due_date        DATETIME,
	line_items      TEXT NOT NULL DEFAULT '[]',
	subtotal        INTEGER NOT NULL DEFAULT 0,
	tax_amount      INTEGER NOT NULL DEFAULT 0,
	amount          INTEGER NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT 'CAD',
	receipt_id      TEXT,
	flags           TEXT NOT NULL DEFAULT '[]',
	missing_fields  TEXT NOT NULL DEFAULT '[]',
	raw_text        TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_doc_number ON invoices(document_number);
CREATE INDEX IF NOT EXISTS idx_invoices_receipt_id ON invoices(receipt_id);

CREATE TABLE IF NOT EXISTS receipts (
	id              TEXT PRIMARY KEY,
	intake_id       TEXT NOT NULL UNIQUE REFERENCES intake_records(id),
	document_number TEXT NOT NULL DEFAULT '',
	vendor          TEXT NOT NULL DEFAULT '{}',
	bill_to         TEXT NOT NULL DEFAULT '{}',
	issue_date      DATETIME NOT NULL,
	payment_method  TEXT NOT NULL DEFAULT '',
	line_items      TEXT NOT NULL DEFAULT '[]',
	subtotal        INTEGER NOT NULL DEFAULT 0,
	tax_amount      INTEGER NOT NULL DEFAULT 0,
	amount          INTEGER NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT 'CAD',
	invoice_id      TEXT,
	flags           TEXT NOT NULL DEFAULT '[]',
	missing_fields  TEXT NOT NULL DEFAULT '[]',
	raw_text        TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_doc_number ON receipts(document_number);
CREATE INDEX IF NOT EXISTS idx_receipts_invoice_id ON receipts(invoice_id);
CREATE INDEX IF NOT EXISTS idx_receipts_amount ON receipts(amount);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const intakeColumns = `id, batch_id, document_type, source_type, source_location, source_identifier,
	source_hash, original_filename, intake_date, status, unique_directory, metadata,
	extraction_ref, flags, retry_count, last_error, created_at, updated_at`

func (s *SQLiteStore) CreateIntake(ctx context.Context, rec *model.IntakeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.StatusPendingDuplicateCheck
	}
	if rec.DocumentType == "" {
		rec.DocumentType = model.DocTypeUnclassified
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.IntakeDate = rec.IntakeDate.UTC()

	metadataJSON, flagsJSON, err := marshalIntakeJSON(rec)
	if err != nil {
		return err
	}

	// INSERT OR IGNORE plus the composite unique index closes the
	// check-then-create race: the losing insert affects zero rows and we map
	// that to the existing record.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO intake_records (`+intakeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BatchID, string(rec.DocumentType), string(rec.SourceType),
		rec.SourceLocation, rec.SourceIdentifier, rec.SourceHash, rec.OriginalFilename,
		rec.IntakeDate, string(rec.Status), rec.UniqueDirectory, metadataJSON,
		nullString(rec.ExtractionRef), flagsJSON, rec.RetryCount, rec.LastError,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert intake record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		existing, err := s.FindByDuplicateKey(ctx, rec.Key())
		if err != nil {
			return err
		}
		if existing == nil {
			return eris.Errorf("sqlite: insert intake record %s: conflict with no existing row", rec.ID)
		}
		return &DuplicateError{ExistingID: existing.ID}
	}
	return nil
}

func (s *SQLiteStore) GetIntake(ctx context.Context, id string) (*model.IntakeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intakeColumns+` FROM intake_records WHERE id = ?`, id)
	rec, err := scanIntake(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: intake record %s", id)
	}
	return rec, err
}

func (s *SQLiteStore) FindByDuplicateKey(ctx context.Context, key model.DuplicateKey) (*model.IntakeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intakeColumns+` FROM intake_records
		 WHERE source_location = ? AND source_identifier = ? AND source_type = ? AND intake_date = ?`,
		key.SourceLocation, key.SourceID, key.Source, key.Date.UTC())
	rec, err := scanIntake(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) CountByHash(ctx context.Context, hash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intake_records WHERE source_hash = ?`, hash).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count by hash")
}

func (s *SQLiteStore) UpdateIntakeStatus(ctx context.Context, id string, expected, next model.Status, upd *StatusUpdate) error {
	query := `UPDATE intake_records SET status = ?, updated_at = ?`
	args := []any{string(next), time.Now().UTC()}
	if upd != nil {
		if upd.LastError != "" {
			query += `, last_error = ?`
			args = append(args, upd.LastError)
		}
		if upd.IncrementRetry {
			query += `, retry_count = retry_count + 1`
		}
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(expected))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.statusMissError(ctx, id, expected)
	}
	return nil
}

func (s *SQLiteStore) CompleteIntake(ctx context.Context, id, extractionRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intake_records SET status = ?, extraction_ref = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusCompleted), extractionRef, time.Now().UTC(),
		id, string(model.StatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete intake %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.statusMissError(ctx, id, model.StatusProcessing)
	}
	return nil
}

// statusMissError distinguishes a lost compare-and-set from a missing record.
func (s *SQLiteStore) statusMissError(ctx context.Context, id string, expected model.Status) error {
	cur, err := s.GetIntake(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "sqlite: intake %s is %s, expected %s", id, cur.Status, expected)
}

func (s *SQLiteStore) SetDocumentType(ctx context.Context, id string, dt model.DocumentType) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intake_records SET document_type = ?, updated_at = ? WHERE id = ?`,
		string(dt), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set document type %s", id)
	}
	return checkRowsAffected(res, "intake record", id)
}

func (s *SQLiteStore) AddIntakeFlag(ctx context.Context, id, flag string) error {
	return s.addFlag(ctx, "intake_records", "intake record", id, flag)
}

func (s *SQLiteStore) AddInvoiceFlag(ctx context.Context, id, flag string) error {
	return s.addFlag(ctx, "invoices", "invoice", id, flag)
}

func (s *SQLiteStore) AddReceiptFlag(ctx context.Context, id, flag string) error {
	return s.addFlag(ctx, "receipts", "receipt", id, flag)
}

func (s *SQLiteStore) addFlag(ctx context.Context, table, entity, id, flag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin add flag")
	}
	defer tx.Rollback()

	var flagsJSON string
	err = tx.QueryRowContext(ctx, `SELECT flags FROM `+table+` WHERE id = ?`, id).Scan(&flagsJSON)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read flags %s", id)
	}

	var flags []string
	if err := json.Unmarshal([]byte(flagsJSON), &flags); err != nil {
		return eris.Wrapf(err, "sqlite: unmarshal flags %s", id)
	}
	for _, f := range flags {
		if f == flag {
			return nil
		}
	}
	flags = append(flags, flag)
	updated, err := json.Marshal(flags)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal flags")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET flags = ?, updated_at = ? WHERE id = ?`,
		string(updated), time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: write flags %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit add flag")
}

func (s *SQLiteStore) ClaimNext(ctx context.Context) (*model.IntakeRecord, error) {
	// Single conditional UPDATE; SQLite serializes writers, so at most one
	// caller observes the RETURNING row for any given record.
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE intake_records SET status = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM intake_records WHERE status = ?
			ORDER BY created_at, rowid LIMIT 1
		 ) AND status = ?
		 RETURNING id`,
		string(model.StatusProcessing), time.Now().UTC(),
		string(model.StatusQueuedForExtraction), string(model.StatusQueuedForExtraction),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim next")
	}
	return s.GetIntake(ctx, id)
}

func (s *SQLiteStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE intake_records SET status = ?, updated_at = ?
		 WHERE status = ? AND updated_at <= ?`,
		string(model.StatusQueuedForExtraction), time.Now().UTC(),
		string(model.StatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue stale")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListPendingQueue(ctx context.Context, limit int) ([]model.IntakeRecord, error) {
	return s.ListByStatus(ctx, model.StatusPendingQueue, limit)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status model.Status, limit int) ([]model.IntakeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intakeColumns+` FROM intake_records
		 WHERE status = ? ORDER BY created_at, rowid LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list by status")
	}
	return collectIntake(rows)
}

func (s *SQLiteStore) ListReview(ctx context.Context, limit int) ([]model.IntakeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intakeColumns+` FROM intake_records
		 WHERE status = ? OR flags LIKE '%"requires_review"%' OR flags LIKE '%"possible_duplicate"%'
		 ORDER BY updated_at DESC LIMIT ?`,
		string(model.StatusManualReview), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review")
	}
	return collectIntake(rows)
}

const invoiceColumns = `id, intake_id, document_number, vendor, bill_to, issue_date, due_date,
	line_items, subtotal, tax_amount, amount, currency, receipt_id, flags, missing_fields,
	raw_text, created_at, updated_at`

func (s *SQLiteStore) InsertInvoice(ctx context.Context, inv *model.InvoiceRecord) (string, error) {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON, err := marshalFinancialJSON(
		inv.Vendor, inv.BillTo, inv.LineItems, inv.Flags, inv.MissingFields)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.IntakeID, inv.DocumentNumber, vendorJSON, billToJSON,
		inv.IssueDate.UTC(), nullTime(inv.DueDate), itemsJSON,
		inv.Subtotal, inv.TaxAmount, inv.Amount, inv.Currency,
		nullString(inv.ReceiptID), flagsJSON, missingJSON, inv.RawText,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert invoice")
	}
	return s.resolveInsertedID(ctx, "invoices", inv.IntakeID)
}

const receiptColumns = `id, intake_id, document_number, vendor, bill_to, issue_date, payment_method,
	line_items, subtotal, tax_amount, amount, currency, invoice_id, flags, missing_fields,
	raw_text, created_at, updated_at`

func (s *SQLiteStore) InsertReceipt(ctx context.Context, rcpt *model.ReceiptRecord) (string, error) {
	if rcpt.ID == "" {
		rcpt.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rcpt.CreatedAt = now
	rcpt.UpdatedAt = now

	vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON, err := marshalFinancialJSON(
		rcpt.Vendor, rcpt.BillTo, rcpt.LineItems, rcpt.Flags, rcpt.MissingFields)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO receipts (`+receiptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rcpt.ID, rcpt.IntakeID, rcpt.DocumentNumber, vendorJSON, billToJSON,
		rcpt.IssueDate.UTC(), rcpt.PaymentMethod, itemsJSON,
		rcpt.Subtotal, rcpt.TaxAmount, rcpt.Amount, rcpt.Currency,
		nullString(rcpt.InvoiceID), flagsJSON, missingJSON, rcpt.RawText,
		rcpt.CreatedAt, rcpt.UpdatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert receipt")
	}
	return s.resolveInsertedID(ctx, "receipts", rcpt.IntakeID)
}

// resolveInsertedID maps an insert-or-ignore result to the row's id. A zero
// row count means a prior attempt already stored the record for this intake,
// which is the idempotent-retry path, so the existing id is returned.
func (s *SQLiteStore) resolveInsertedID(ctx context.Context, table, intakeID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE intake_id = ?`, intakeID).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: lookup %s by intake %s", table, intakeID)
	}
	return id, nil
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*model.InvoiceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: invoice %s", id)
	}
	return inv, err
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*model.ReceiptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	rcpt, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: receipt %s", id)
	}
	return rcpt, err
}

func (s *SQLiteStore) InvoiceByIntake(ctx context.Context, intakeID string) (*model.InvoiceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE intake_id = ?`, intakeID)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inv, err
}

func (s *SQLiteStore) ReceiptByIntake(ctx context.Context, intakeID string) (*model.ReceiptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE intake_id = ?`, intakeID)
	rcpt, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rcpt, err
}

func (s *SQLiteStore) UnlinkedInvoices(ctx context.Context, limit int) ([]model.InvoiceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE receipt_id IS NULL AND flags NOT LIKE '%"link_abandoned"%'
		 ORDER BY created_at, rowid LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: unlinked invoices")
	}
	return collectInvoices(rows)
}

func (s *SQLiteStore) ReceiptsCiting(ctx context.Context, docNumber string) ([]model.ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE invoice_id IS NULL
		   AND (document_number LIKE '%' || ? || '%' OR raw_text LIKE '%' || ? || '%')
		 ORDER BY created_at`,
		docNumber, docNumber,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: receipts citing")
	}
	return collectReceipts(rows)
}

func (s *SQLiteStore) ReceiptCandidates(ctx context.Context, f CandidateFilter) ([]model.ReceiptRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE invoice_id IS NULL
		   AND amount BETWEEN ? AND ?
		   AND issue_date >= ? AND issue_date <= ?
		 ORDER BY issue_date LIMIT ?`,
		f.AmountMin, f.AmountMax, f.IssuedAfter.UTC(), f.IssuedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: receipt candidates")
	}
	return collectReceipts(rows)
}

func (s *SQLiteStore) LinkPair(ctx context.Context, invoiceID, receiptID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin link")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE invoices SET receipt_id = ?, updated_at = ? WHERE id = ? AND receipt_id IS NULL`,
		receiptID, now, invoiceID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link invoice %s", invoiceID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: invoice %s already linked or missing", invoiceID)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE receipts SET invoice_id = ?, updated_at = ? WHERE id = ? AND invoice_id IS NULL`,
		invoiceID, now, receiptID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link receipt %s", receiptID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: receipt %s already linked or missing", receiptID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit link")
}

func (s *SQLiteStore) StatusCounts(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM intake_records GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: status counts")
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: status counts iterate")
}

func (s *SQLiteStore) CountManualReviewSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intake_records WHERE status = ? AND updated_at >= ?`,
		string(model.StatusManualReview), since.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count manual review")
}

func (s *SQLiteStore) CountStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intake_records WHERE status = ? AND updated_at <= ?`,
		string(model.StatusProcessing), cutoff,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count stale processing")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshalIntakeJSON(rec *model.IntakeRecord) (metadata, flags string, err error) {
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	if rec.Flags == nil {
		rec.Flags = []string{}
	}
	m, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal metadata")
	}
	f, err := json.Marshal(rec.Flags)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal flags")
	}
	return string(m), string(f), nil
}

func marshalFinancialJSON(vendor, billTo model.Party, items []model.LineItem, flags, missing []string) (vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON string, err error) {
	if items == nil {
		items = []model.LineItem{}
	}
	if flags == nil {
		flags = []string{}
	}
	if missing == nil {
		missing = []string{}
	}
	parts := make([]string, 0, 5)
	for _, v := range []any{vendor, billTo, items, flags, missing} {
		b, merr := json.Marshal(v)
		if merr != nil {
			return "", "", "", "", "", eris.Wrap(merr, "marshal financial record")
		}
		parts = append(parts, string(b))
	}
	return parts[0], parts[1], parts[2], parts[3], parts[4], nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanIntake(row scannable) (*model.IntakeRecord, error) {
	var r model.IntakeRecord
	var docType, sourceType, status, metadataJSON, flagsJSON string
	var extractionRef sql.NullString

	err := row.Scan(&r.ID, &r.BatchID, &docType, &sourceType, &r.SourceLocation,
		&r.SourceIdentifier, &r.SourceHash, &r.OriginalFilename, &r.IntakeDate,
		&status, &r.UniqueDirectory, &metadataJSON, &extractionRef, &flagsJSON,
		&r.RetryCount, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan intake record")
	}

	r.DocumentType = model.DocumentType(docType)
	r.SourceType = model.SourceType(sourceType)
	r.Status = model.Status(status)
	r.ExtractionRef = extractionRef.String
	if err := json.Unmarshal([]byte(metadataJSON), &r.Metadata); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
	}
	if err := json.Unmarshal([]byte(flagsJSON), &r.Flags); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal flags")
	}
	return &r, nil
}

func scanInvoice(row scannable) (*model.InvoiceRecord, error) {
	var inv model.InvoiceRecord
	var vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON string
	var dueDate sql.NullTime
	var receiptID sql.NullString

	err := row.Scan(&inv.ID, &inv.IntakeID, &inv.DocumentNumber, &vendorJSON, &billToJSON,
		&inv.IssueDate, &dueDate, &itemsJSON, &inv.Subtotal, &inv.TaxAmount, &inv.Amount,
		&inv.Currency, &receiptID, &flagsJSON, &missingJSON, &inv.RawText,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan invoice")
	}

	if dueDate.Valid {
		t := dueDate.Time
		inv.DueDate = &t
	}
	inv.ReceiptID = receiptID.String
	if err := unmarshalFinancialJSON(vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON,
		&inv.Vendor, &inv.BillTo, &inv.LineItems, &inv.Flags, &inv.MissingFields); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanReceipt(row scannable) (*model.ReceiptRecord, error) {
	var rcpt model.ReceiptRecord
	var vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON string
	var invoiceID sql.NullString

	err := row.Scan(&rcpt.ID, &rcpt.IntakeID, &rcpt.DocumentNumber, &vendorJSON, &billToJSON,
		&rcpt.IssueDate, &rcpt.PaymentMethod, &itemsJSON, &rcpt.Subtotal, &rcpt.TaxAmount,
		&rcpt.Amount, &rcpt.Currency, &invoiceID, &flagsJSON, &missingJSON, &rcpt.RawText,
		&rcpt.CreatedAt, &rcpt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan receipt")
	}

	rcpt.InvoiceID = invoiceID.String
	if err := unmarshalFinancialJSON(vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON,
		&rcpt.Vendor, &rcpt.BillTo, &rcpt.LineItems, &rcpt.Flags, &rcpt.MissingFields); err != nil {
		return nil, err
	}
	return &rcpt, nil
}

func unmarshalFinancialJSON(vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON string,
	vendor, billTo *model.Party, items *[]model.LineItem, flags, missing *[]string) error {
	for _, pair := range []struct {
		raw  string
		dest any
	}{
		{vendorJSON, vendor},
		{billToJSON, billTo},
		{itemsJSON, items},
		{flagsJSON, flags},
		{missingJSON, missing},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal financial record")
		}
	}
	return nil
}

func collectIntake(rows *sql.Rows) ([]model.IntakeRecord, error) {
	defer rows.Close()
	var out []model.IntakeRecord
	for rows.Next() {
		r, err := scanIntake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate")
}

func collectInvoices(rows *sql.Rows) ([]model.InvoiceRecord, error) {
	defer rows.Close()
	var out []model.InvoiceRecord
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate")
}

func collectReceipts(rows *sql.Rows) ([]model.ReceiptRecord, error) {
	defer rows.Close()
	var out []model.ReceiptRecord
	for rows.Next() {
		rcpt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rcpt)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate")
}
