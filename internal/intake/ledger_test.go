package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	s := newTestStore(t)
	files, err := NewFileStore(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	return NewLedger(s, NewQueue(s), files), s
}

func testDocument(t *testing.T, name string) model.SourceDocument {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("invoice text for "+name), 0o644))
	return model.SourceDocument{
		Path:             path,
		OriginalFilename: name,
		Origin:           model.SourceFileUpload,
		SourceIdentifier: "upload/" + name,
		SourceDate:       time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		ContentHash:      "hash-" + name,
	}
}

func TestSubmitAccepted(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()

	res, err := ledger.Submit(ctx, testDocument(t, "acme.pdf"))
	require.NoError(t, err)
	assert.Equal(t, SubmitAccepted, res.Status)
	require.NotEmpty(t, res.IntakeID)

	rec, err := s.GetIntake(ctx, res.IntakeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueuedForExtraction, rec.Status)
	assert.Equal(t, "acme.pdf", rec.OriginalFilename)
	assert.NotEmpty(t, rec.UniqueDirectory)

	// Document was copied into managed storage.
	data, err := os.ReadFile(filepath.Join(rec.UniqueDirectory, "acme.pdf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "acme.pdf")
}

func TestSubmitDuplicateSameKey(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	doc := testDocument(t, "dup.pdf")
	first, err := ledger.Submit(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, SubmitAccepted, first.Status)

	second, err := ledger.Submit(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, SubmitDuplicate, second.Status)
	assert.Equal(t, first.IntakeID, second.ExistingID)
	assert.Empty(t, second.IntakeID)
}

func TestSubmitHashMatchFlagsNotBlocks(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()

	a := testDocument(t, "a.pdf")
	b := testDocument(t, "b.pdf")
	b.ContentHash = a.ContentHash

	resA, err := ledger.Submit(ctx, a)
	require.NoError(t, err)
	resB, err := ledger.Submit(ctx, b)
	require.NoError(t, err)
	require.Equal(t, SubmitAccepted, resB.Status, "hash match alone must not block intake")

	recB, err := s.GetIntake(ctx, resB.IntakeID)
	require.NoError(t, err)
	assert.True(t, recB.HasFlag(model.FlagPossibleDuplicate))
	assert.Equal(t, model.StatusQueuedForExtraction, recB.Status)

	recA, err := s.GetIntake(ctx, resA.IntakeID)
	require.NoError(t, err)
	assert.False(t, recA.HasFlag(model.FlagPossibleDuplicate))
}

func TestSubmitRejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*model.SourceDocument)
		reason string
	}{
		{"no path", func(d *model.SourceDocument) { d.Path = "" }, "missing document path"},
		{"no identifier", func(d *model.SourceDocument) { d.SourceIdentifier = "" }, "missing source identifier"},
		{"bad origin", func(d *model.SourceDocument) { d.Origin = "carrier_pigeon" }, "unknown origin"},
		{"no date", func(d *model.SourceDocument) { d.SourceDate = time.Time{} }, "missing source date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := testDocument(t, "reject.pdf")
			tc.mutate(&doc)
			res, err := ledger.Submit(ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, SubmitRejected, res.Status)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestSubmitBatchSharesBatchID(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()

	docs := []model.SourceDocument{
		testDocument(t, "one.pdf"),
		testDocument(t, "two.pdf"),
		{Path: ""}, // invalid, must not stop the batch
	}
	results, err := ledger.SubmitBatch(ctx, docs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, SubmitAccepted, results[0].Status)
	assert.Equal(t, SubmitAccepted, results[1].Status)
	assert.Equal(t, SubmitRejected, results[2].Status)

	one, err := s.GetIntake(ctx, results[0].IntakeID)
	require.NoError(t, err)
	two, err := s.GetIntake(ctx, results[1].IntakeID)
	require.NoError(t, err)
	assert.NotEmpty(t, one.BatchID)
	assert.Equal(t, one.BatchID, two.BatchID)
}

func TestTransitionValidation(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()

	res, err := ledger.Submit(ctx, testDocument(t, "trans.pdf"))
	require.NoError(t, err)

	// queued_for_extraction -> completed is not an edge.
	err = ledger.Transition(ctx, res.IntakeID, model.StatusQueuedForExtraction, model.StatusCompleted, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")

	require.NoError(t, ledger.Transition(ctx, res.IntakeID, model.StatusQueuedForExtraction, model.StatusProcessing, nil))
	require.NoError(t, ledger.Transition(ctx, res.IntakeID, model.StatusProcessing, model.StatusFailed, nil))

	// Terminal states have no exits.
	err = ledger.Transition(ctx, res.IntakeID, model.StatusFailed, model.StatusQueuedForExtraction, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")

	rec, err := s.GetIntake(ctx, res.IntakeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(model.StatusPendingDuplicateCheck, model.StatusPendingQueue))
	assert.True(t, CanTransition(model.StatusProcessing, model.StatusManualReview))
	assert.True(t, CanTransition(model.StatusManualReview, model.StatusQueuedForExtraction))
	assert.False(t, CanTransition(model.StatusCompleted, model.StatusProcessing))
	assert.False(t, CanTransition(model.StatusPendingQueue, model.StatusCompleted))
}
