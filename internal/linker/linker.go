// Package linker reconciles invoices with the receipts that paid them.
// It runs as a background sweep, decoupled from extraction so invoice and
// receipt arrival latencies never block each other.
package linker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

// Config carries the matching tolerances.
type Config struct {
	// AmountTolerance is the allowed gap in minor units between invoice and
	// receipt totals on the vendor-match path.
	AmountTolerance int64
	// Window is how long after the invoice issue date a receipt may fall
	// and still match by vendor and amount.
	Window time.Duration
	// MaxAge bounds retries: invoices older than this are flagged
	// link_abandoned and skipped by later sweeps.
	MaxAge time.Duration
	// BatchLimit caps invoices examined per sweep.
	BatchLimit int
}

func DefaultConfig() Config {
	return Config{
		AmountTolerance: 2,
		Window:          90 * 24 * time.Hour,
		MaxAge:          180 * 24 * time.Hour,
		BatchLimit:      200,
	}
}

// Report summarizes one reconcile sweep.
type Report struct {
	Scanned   int
	Linked    int
	Ambiguous int
	Abandoned int
}

type Linker struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

func New(s store.Store, cfg Config) *Linker {
	if cfg.AmountTolerance <= 0 {
		cfg.AmountTolerance = 2
	}
	if cfg.Window <= 0 {
		cfg.Window = 90 * 24 * time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 180 * 24 * time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	return &Linker{store: s, cfg: cfg, now: time.Now}
}

// Reconcile examines unlinked invoices and links each to its receipt when
// exactly one matches. A receipt matches when it cites the invoice's
// document number, or when vendor, amount, and date window all agree.
// Multiple matches flag both sides link_ambiguous and never auto-link.
func (l *Linker) Reconcile(ctx context.Context) (Report, error) {
	var rep Report

	invoices, err := l.store.UnlinkedInvoices(ctx, l.cfg.BatchLimit)
	if err != nil {
		return rep, err
	}

	for _, inv := range invoices {
		rep.Scanned++
		if err := l.reconcileOne(ctx, inv, &rep); err != nil {
			zap.L().Warn("reconcile failed",
				zap.String("invoice_id", inv.ID),
				zap.Error(err),
			)
		}
	}

	if rep.Linked > 0 || rep.Ambiguous > 0 || rep.Abandoned > 0 {
		zap.L().Info("reconcile sweep",
			zap.Int("scanned", rep.Scanned),
			zap.Int("linked", rep.Linked),
			zap.Int("ambiguous", rep.Ambiguous),
			zap.Int("abandoned", rep.Abandoned),
		)
	}
	return rep, nil
}

func (l *Linker) reconcileOne(ctx context.Context, inv model.InvoiceRecord, rep *Report) error {
	if l.now().Sub(inv.IssueDate) > l.cfg.MaxAge {
		if err := l.store.AddInvoiceFlag(ctx, inv.ID, model.FlagLinkAbandoned); err != nil {
			return err
		}
		rep.Abandoned++
		return nil
	}

	matches, err := l.matchesFor(ctx, inv)
	if err != nil {
		return err
	}

	switch len(matches) {
	case 0:
		// Leave unlinked; the next sweep retries until MaxAge.
		return nil
	case 1:
		err := l.store.LinkPair(ctx, inv.ID, matches[0].ID)
		if errors.Is(err, store.ErrConflict) {
			// The receipt was claimed between our read and the link write.
			// Expected under concurrent sweeps; retry next round.
			return nil
		}
		if err != nil {
			return err
		}
		rep.Linked++
		return nil
	default:
		if err := l.store.AddInvoiceFlag(ctx, inv.ID, model.FlagLinkAmbiguous); err != nil {
			return err
		}
		for _, r := range matches {
			if err := l.store.AddReceiptFlag(ctx, r.ID, model.FlagLinkAmbiguous); err != nil {
				return err
			}
		}
		rep.Ambiguous++
		return nil
	}
}

// matchesFor gathers citation and vendor-path matches, deduplicated by id.
func (l *Linker) matchesFor(ctx context.Context, inv model.InvoiceRecord) ([]model.ReceiptRecord, error) {
	seen := map[string]bool{}
	var matches []model.ReceiptRecord

	// Path 1: the receipt cites the invoice's document number. Synthesized
	// placeholder numbers never appear on real receipts, so skip them.
	if !hasFlag(inv.Flags, model.FlagMissingDocNumber) && inv.DocumentNumber != "" {
		citing, err := l.store.ReceiptsCiting(ctx, inv.DocumentNumber)
		if err != nil {
			return nil, err
		}
		for _, r := range citing {
			if !seen[r.ID] {
				seen[r.ID] = true
				matches = append(matches, r)
			}
		}
	}

	// Path 2: vendor, amount, and date window agree.
	filter := store.CandidateFilter{
		AmountMin:    inv.Amount - l.cfg.AmountTolerance,
		AmountMax:    inv.Amount + l.cfg.AmountTolerance,
		IssuedAfter:  inv.IssueDate,
		IssuedBefore: inv.IssueDate.Add(l.cfg.Window),
		Limit:        l.cfg.BatchLimit,
	}
	candidates, err := l.store.ReceiptCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}
	vendorKey := NormalizeVendor(inv.Vendor.Name)
	if vendorKey != "" {
		for _, r := range candidates {
			if seen[r.ID] {
				continue
			}
			if NormalizeVendor(r.Vendor.Name) == vendorKey {
				seen[r.ID] = true
				matches = append(matches, r)
			}
		}
	}

	return matches, nil
}

// Run reconciles on a fixed interval until the context is cancelled.
func (l *Linker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.Reconcile(ctx); err != nil {
				zap.L().Error("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
