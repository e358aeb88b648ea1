package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bookkeeper/internal/db"
	"github.com/sells-group/bookkeeper/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest pipeline operations.
var preparedStatements = map[string]string{
	"claim_next": `UPDATE intake_records SET status = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM intake_records WHERE status = $2
			ORDER BY created_at, seq LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $2
		RETURNING id`,
	"get_intake":      `SELECT ` + intakeColumns + ` FROM intake_records WHERE id = $1`,
	"complete_intake": `UPDATE intake_records SET status = $1, extraction_ref = $2, updated_at = now() WHERE id = $3 AND status = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS intake_records (
	id                TEXT PRIMARY KEY,
	seq               BIGSERIAL,
	batch_id          TEXT NOT NULL DEFAULT '',
	document_type     TEXT NOT NULL DEFAULT 'unclassified',
	source_type       TEXT NOT NULL,
	source_location   TEXT NOT NULL,
	source_identifier TEXT NOT NULL,
	source_hash       TEXT NOT NULL DEFAULT '',
	original_filename TEXT NOT NULL DEFAULT '',
	intake_date       TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending_duplicate_check',
	unique_directory  TEXT NOT NULL DEFAULT '',
	metadata          JSONB NOT NULL DEFAULT '{}',
	extraction_ref    TEXT,
	flags             JSONB NOT NULL DEFAULT '[]',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
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
	vendor          JSONB NOT NULL DEFAULT '{}',
	bill_to         JSONB NOT NULL DEFAULT '{}',
	issue_date      TIMESTAMPTZ NOT NULL,
	due_date        TIMESTAMPTZ,
	line_items      JSONB NOT NULL DEFAULT '[]',
	subtotal        BIGINT NOT NULL DEFAULT 0,
	tax_amount      BIGINT NOT NULL DEFAULT 0,
	amount          BIGINT NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT 'CAD',
	receipt_id      TEXT,
	flags           JSONB NOT NULL DEFAULT '[]',
	missing_fields  JSONB NOT NULL DEFAULT '[]',
	raw_text        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_invoices_doc_number ON invoices(document_number);
CREATE INDEX IF NOT EXISTS idx_invoices_receipt_id ON invoices(receipt_id);

CREATE TABLE IF NOT EXISTS receipts (
	id              TEXT PRIMARY KEY,
	intake_id       TEXT NOT NULL UNIQUE REFERENCES intake_records(id),
	document_number TEXT NOT NULL DEFAULT '',
	vendor          JSONB NOT NULL DEFAULT '{}',
	bill_to         JSONB NOT NULL DEFAULT '{}',
	issue_date      TIMESTAMPTZ NOT NULL,
	payment_method  TEXT NOT NULL DEFAULT '',
	line_items      JSONB NOT NULL DEFAULT '[]',
	subtotal        BIGINT NOT NULL DEFAULT 0,
	tax_amount      BIGINT NOT NULL DEFAULT 0,
	amount          BIGINT NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT 'CAD',
	invoice_id      TEXT,
	flags           JSONB NOT NULL DEFAULT '[]',
	missing_fields  JSONB NOT NULL DEFAULT '[]',
	raw_text        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_receipts_doc_number ON receipts(document_number);
CREATE INDEX IF NOT EXISTS idx_receipts_invoice_id ON receipts(invoice_id);
CREATE INDEX IF NOT EXISTS idx_receipts_amount ON receipts(amount);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateIntake(ctx context.Context, rec *model.IntakeRecord) error {
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

	// ON CONFLICT DO NOTHING against the composite unique index closes the
	// check-then-create race: the losing insert affects zero rows and we map
	// that to the existing record.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO intake_records (id, batch_id, document_type, source_type, source_location,
			source_identifier, source_hash, original_filename, intake_date, status,
			unique_directory, metadata, extraction_ref, flags, retry_count, last_error,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (source_location, source_identifier, source_type, intake_date) DO NOTHING`,
		rec.ID, rec.BatchID, string(rec.DocumentType), string(rec.SourceType),
		rec.SourceLocation, rec.SourceIdentifier, rec.SourceHash, rec.OriginalFilename,
		rec.IntakeDate, string(rec.Status), rec.UniqueDirectory, []byte(metadataJSON),
		nullString(rec.ExtractionRef), []byte(flagsJSON), rec.RetryCount, rec.LastError,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert intake record")
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.FindByDuplicateKey(ctx, rec.Key())
		if err != nil {
			return err
		}
		if existing == nil {
			return eris.Errorf("postgres: insert intake record %s: conflict with no existing row", rec.ID)
		}
		return &DuplicateError{ExistingID: existing.ID}
	}
	return nil
}

func (s *PostgresStore) GetIntake(ctx context.Context, id string) (*model.IntakeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intakeColumns+` FROM intake_records WHERE id = $1`, id)
	rec, err := scanIntakePG(row)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: intake record %s", id)
	}
	return rec, err
}

func (s *PostgresStore) FindByDuplicateKey(ctx context.Context, key model.DuplicateKey) (*model.IntakeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intakeColumns+` FROM intake_records
		 WHERE source_location = $1 AND source_identifier = $2 AND source_type = $3 AND intake_date = $4`,
		key.SourceLocation, key.SourceID, key.Source, key.Date.UTC())
	rec, err := scanIntakePG(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) CountByHash(ctx context.Context, hash string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM intake_records WHERE source_hash = $1`, hash).Scan(&n)
	return n, eris.Wrap(err, "postgres: count by hash")
}

func (s *PostgresStore) UpdateIntakeStatus(ctx context.Context, id string, expected, next model.Status, upd *StatusUpdate) error {
	query := `UPDATE intake_records SET status = $1, updated_at = now()`
	args := []any{string(next)}
	if upd != nil {
		if upd.LastError != "" {
			args = append(args, upd.LastError)
			query += `, last_error = $2`
		}
		if upd.IncrementRetry {
			query += `, retry_count = retry_count + 1`
		}
	}
	switch len(args) {
	case 1:
		query += ` WHERE id = $2 AND status = $3`
	case 2:
		query += ` WHERE id = $3 AND status = $4`
	}
	args = append(args, id, string(expected))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.statusMissError(ctx, id, expected)
	}
	return nil
}

func (s *PostgresStore) CompleteIntake(ctx context.Context, id, extractionRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE intake_records SET status = $1, extraction_ref = $2, updated_at = now() WHERE id = $3 AND status = $4`,
		string(model.StatusCompleted), extractionRef, id, string(model.StatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete intake %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.statusMissError(ctx, id, model.StatusProcessing)
	}
	return nil
}

func (s *PostgresStore) statusMissError(ctx context.Context, id string, expected model.Status) error {
	cur, err := s.GetIntake(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "postgres: intake %s is %s, expected %s", id, cur.Status, expected)
}

func (s *PostgresStore) SetDocumentType(ctx context.Context, id string, dt model.DocumentType) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE intake_records SET document_type = $1, updated_at = now() WHERE id = $2`,
		string(dt), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set document type %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "intake record %s", id)
	}
	return nil
}

func (s *PostgresStore) AddIntakeFlag(ctx context.Context, id, flag string) error {
	return s.addFlag(ctx, "intake_records", "intake record", id, flag)
}

func (s *PostgresStore) AddInvoiceFlag(ctx context.Context, id, flag string) error {
	return s.addFlag(ctx, "invoices", "invoice", id, flag)
}

func (s *PostgresStore) AddReceiptFlag(ctx context.Context, id, flag string) error {
	return s.addFlag(ctx, "receipts", "receipt", id, flag)
}

func (s *PostgresStore) addFlag(ctx context.Context, table, entity, id, flag string) error {
	// Appending through jsonb concatenation keeps the write atomic; a zero
	// row count means either the flag is already present or the id is
	// unknown, so disambiguate with a lookup.
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET flags = flags || to_jsonb($2::text), updated_at = now()
		 WHERE id = $1 AND NOT flags @> to_jsonb($2::text)`,
		id, flag,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add flag %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: check %s %s", entity, id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context) (*model.IntakeRecord, error) {
	// FOR UPDATE SKIP LOCKED lets concurrent workers claim distinct records
	// without serializing on the queue head.
	var id string
	err := s.pool.QueryRow(ctx,
		`UPDATE intake_records SET status = $1, updated_at = now()
		 WHERE id = (
			SELECT id FROM intake_records WHERE status = $2
			ORDER BY created_at, seq LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) AND status = $2
		 RETURNING id`,
		string(model.StatusProcessing), string(model.StatusQueuedForExtraction),
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim next")
	}
	return s.GetIntake(ctx, id)
}

func (s *PostgresStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE intake_records SET status = $1, updated_at = now()
		 WHERE status = $2 AND updated_at <= $3`,
		string(model.StatusQueuedForExtraction), string(model.StatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue stale")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListPendingQueue(ctx context.Context, limit int) ([]model.IntakeRecord, error) {
	return s.ListByStatus(ctx, model.StatusPendingQueue, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status model.Status, limit int) ([]model.IntakeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+intakeColumns+` FROM intake_records
		 WHERE status = $1 ORDER BY created_at, seq LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list by status")
	}
	return collectIntakePG(rows)
}

func (s *PostgresStore) ListReview(ctx context.Context, limit int) ([]model.IntakeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+intakeColumns+` FROM intake_records
		 WHERE status = $1 OR flags @> '["requires_review"]' OR flags @> '["possible_duplicate"]'
		 ORDER BY updated_at DESC LIMIT $2`,
		string(model.StatusManualReview), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review")
	}
	return collectIntakePG(rows)
}

func (s *PostgresStore) InsertInvoice(ctx context.Context, inv *model.InvoiceRecord) (string, error) {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO invoices (id, intake_id, document_number, vendor, bill_to, issue_date,
			due_date, line_items, subtotal, tax_amount, amount, currency, receipt_id,
			flags, missing_fields, raw_text, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (intake_id) DO NOTHING`,
		inv.ID, inv.IntakeID, inv.DocumentNumber, []byte(vendorJSON), []byte(billToJSON),
		inv.IssueDate.UTC(), nullTime(inv.DueDate), []byte(itemsJSON),
		inv.Subtotal, inv.TaxAmount, inv.Amount, inv.Currency,
		nullString(inv.ReceiptID), []byte(flagsJSON), []byte(missingJSON), inv.RawText,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert invoice")
	}
	return s.resolveInsertedID(ctx, "invoices", inv.IntakeID)
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, rcpt *model.ReceiptRecord) (string, error) {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO receipts (id, intake_id, document_number, vendor, bill_to, issue_date,
			payment_method, line_items, subtotal, tax_amount, amount, currency, invoice_id,
			flags, missing_fields, raw_text, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (intake_id) DO NOTHING`,
		rcpt.ID, rcpt.IntakeID, rcpt.DocumentNumber, []byte(vendorJSON), []byte(billToJSON),
		rcpt.IssueDate.UTC(), rcpt.PaymentMethod, []byte(itemsJSON),
		rcpt.Subtotal, rcpt.TaxAmount, rcpt.Amount, rcpt.Currency,
		nullString(rcpt.InvoiceID), []byte(flagsJSON), []byte(missingJSON), rcpt.RawText,
		rcpt.CreatedAt, rcpt.UpdatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert receipt")
	}
	return s.resolveInsertedID(ctx, "receipts", rcpt.IntakeID)
}

func (s *PostgresStore) resolveInsertedID(ctx context.Context, table, intakeID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+table+` WHERE intake_id = $1`, intakeID).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: lookup %s by intake %s", table, intakeID)
	}
	return id, nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*model.InvoiceRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoicePG(row)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: invoice %s", id)
	}
	return inv, err
}

func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (*model.ReceiptRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	rcpt, err := scanReceiptPG(row)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "postgres: receipt %s", id)
	}
	return rcpt, err
}

func (s *PostgresStore) InvoiceByIntake(ctx context.Context, intakeID string) (*model.InvoiceRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE intake_id = $1`, intakeID)
	inv, err := scanInvoicePG(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inv, err
}

func (s *PostgresStore) ReceiptByIntake(ctx context.Context, intakeID string) (*model.ReceiptRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE intake_id = $1`, intakeID)
	rcpt, err := scanReceiptPG(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rcpt, err
}

func (s *PostgresStore) UnlinkedInvoices(ctx context.Context, limit int) ([]model.InvoiceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE receipt_id IS NULL AND NOT flags @> '["link_abandoned"]'
		 ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: unlinked invoices")
	}
	return collectInvoicesPG(rows)
}

func (s *PostgresStore) ReceiptsCiting(ctx context.Context, docNumber string) ([]model.ReceiptRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE invoice_id IS NULL
		   AND (document_number ILIKE '%' || $1 || '%' OR raw_text ILIKE '%' || $1 || '%')
		 ORDER BY created_at`,
		docNumber,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: receipts citing")
	}
	return collectReceiptsPG(rows)
}

func (s *PostgresStore) ReceiptCandidates(ctx context.Context, f CandidateFilter) ([]model.ReceiptRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+receiptColumns+` FROM receipts
		 WHERE invoice_id IS NULL
		   AND amount BETWEEN $1 AND $2
		   AND issue_date >= $3 AND issue_date <= $4
		 ORDER BY issue_date LIMIT $5`,
		f.AmountMin, f.AmountMax, f.IssuedAfter.UTC(), f.IssuedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: receipt candidates")
	}
	return collectReceiptsPG(rows)
}

func (s *PostgresStore) LinkPair(ctx context.Context, invoiceID, receiptID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin link")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE invoices SET receipt_id = $1, updated_at = now() WHERE id = $2 AND receipt_id IS NULL`,
		receiptID, invoiceID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: link invoice %s", invoiceID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: invoice %s already linked or missing", invoiceID)
	}

	tag, err = tx.Exec(ctx,
		`UPDATE receipts SET invoice_id = $1, updated_at = now() WHERE id = $2 AND invoice_id IS NULL`,
		invoiceID, receiptID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: link receipt %s", receiptID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: receipt %s already linked or missing", receiptID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit link")
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM intake_records GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: status counts")
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: status counts iterate")
}

func (s *PostgresStore) CountManualReviewSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM intake_records WHERE status = $1 AND updated_at >= $2`,
		string(model.StatusManualReview), since.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count manual review")
}

func (s *PostgresStore) CountStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM intake_records WHERE status = $1 AND updated_at <= $2`,
		string(model.StatusProcessing), cutoff,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count stale processing")
}

// pg scan helpers: jsonb columns arrive as []byte.

func scanIntakePG(row scannable) (*model.IntakeRecord, error) {
	var r model.IntakeRecord
	var docType, sourceType, status string
	var metadataJSON, flagsJSON []byte
	var extractionRef *string

	err := row.Scan(&r.ID, &r.BatchID, &docType, &sourceType, &r.SourceLocation,
		&r.SourceIdentifier, &r.SourceHash, &r.OriginalFilename, &r.IntakeDate,
		&status, &r.UniqueDirectory, &metadataJSON, &extractionRef, &flagsJSON,
		&r.RetryCount, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan intake record")
	}

	r.DocumentType = model.DocumentType(docType)
	r.SourceType = model.SourceType(sourceType)
	r.Status = model.Status(status)
	if extractionRef != nil {
		r.ExtractionRef = *extractionRef
	}
	if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal metadata")
	}
	if err := json.Unmarshal(flagsJSON, &r.Flags); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal flags")
	}
	return &r, nil
}

func scanInvoicePG(row scannable) (*model.InvoiceRecord, error) {
	var inv model.InvoiceRecord
	var vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON []byte
	var dueDate *time.Time
	var receiptID *string

	err := row.Scan(&inv.ID, &inv.IntakeID, &inv.DocumentNumber, &vendorJSON, &billToJSON,
		&inv.IssueDate, &dueDate, &itemsJSON, &inv.Subtotal, &inv.TaxAmount, &inv.Amount,
		&inv.Currency, &receiptID, &flagsJSON, &missingJSON, &inv.RawText,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan invoice")
	}

	inv.DueDate = dueDate
	if receiptID != nil {
		inv.ReceiptID = *receiptID
	}
	if err := unmarshalFinancialJSON(string(vendorJSON), string(billToJSON), string(itemsJSON),
		string(flagsJSON), string(missingJSON),
		&inv.Vendor, &inv.BillTo, &inv.LineItems, &inv.Flags, &inv.MissingFields); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanReceiptPG(row scannable) (*model.ReceiptRecord, error) {
	var rcpt model.ReceiptRecord
	var vendorJSON, billToJSON, itemsJSON, flagsJSON, missingJSON []byte
	var invoiceID *string

	err := row.Scan(&rcpt.ID, &rcpt.IntakeID, &rcpt.DocumentNumber, &vendorJSON, &billToJSON,
		&rcpt.IssueDate, &rcpt.PaymentMethod, &itemsJSON, &rcpt.Subtotal, &rcpt.TaxAmount,
		&rcpt.Amount, &rcpt.Currency, &invoiceID, &flagsJSON, &missingJSON, &rcpt.RawText,
		&rcpt.CreatedAt, &rcpt.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan receipt")
	}

	if invoiceID != nil {
		rcpt.InvoiceID = *invoiceID
	}
	if err := unmarshalFinancialJSON(string(vendorJSON), string(billToJSON), string(itemsJSON),
		string(flagsJSON), string(missingJSON),
		&rcpt.Vendor, &rcpt.BillTo, &rcpt.LineItems, &rcpt.Flags, &rcpt.MissingFields); err != nil {
		return nil, err
	}
	return &rcpt, nil
}

func collectIntakePG(rows pgx.Rows) ([]model.IntakeRecord, error) {
	defer rows.Close()
	var out []model.IntakeRecord
	for rows.Next() {
		r, err := scanIntakePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate")
}

func collectInvoicesPG(rows pgx.Rows) ([]model.InvoiceRecord, error) {
	defer rows.Close()
	var out []model.InvoiceRecord
	for rows.Next() {
		inv, err := scanInvoicePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate")
}

func collectReceiptsPG(rows pgx.Rows) ([]model.ReceiptRecord, error) {
	defer rows.Close()
	var out []model.ReceiptRecord
	for rows.Next() {
		rcpt, err := scanReceiptPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rcpt)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate")
}
