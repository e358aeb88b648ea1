package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookkeeper/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDocumentFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "invoice.pdf", "%PDF-1.4 fake")

	doc, err := documentFromFile(path, model.SourceFileUpload)
	require.NoError(t, err)

	assert.Equal(t, "invoice.pdf", doc.OriginalFilename)
	assert.Equal(t, "invoice.pdf", doc.SourceIdentifier)
	assert.Equal(t, model.SourceFileUpload, doc.Origin)
	assert.True(t, filepath.IsAbs(doc.Path))
	assert.Len(t, doc.ContentHash, 64)
	assert.False(t, doc.SourceDate.IsZero())
}

func TestDocumentFromFileMissing(t *testing.T) {
	_, err := documentFromFile(filepath.Join(t.TempDir(), "nope.pdf"), model.SourceFileUpload)
	assert.Error(t, err)
}

func TestCollectDocumentsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.pdf", "first")
	writeFile(t, dir, "b.txt", "second")
	writeFile(t, dir, ".hidden", "skipped")

	docs, err := collectDocuments([]string{dir}, model.SourceFileUpload)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	names := []string{docs[0].OriginalFilename, docs[1].OriginalFilename}
	assert.ElementsMatch(t, []string{"a.pdf", "b.txt"}, names)
}

func TestCollectDocumentsMixedArgs(t *testing.T) {
	dir := t.TempDir()
	single := writeFile(t, t.TempDir(), "solo.pdf", "solo")
	writeFile(t, dir, "a.pdf", "first")

	docs, err := collectDocuments([]string{single, dir}, model.SourceEmailAttachment)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, model.SourceEmailAttachment, docs[0].Origin)
}

func TestHashFileDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a", "same bytes")
	b := writeFile(t, dir, "b", "same bytes")

	ha, err := hashFile(a)
	require.NoError(t, err)
	hb, err := hashFile(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	c := writeFile(t, dir, "c", "different bytes")
	hc, err := hashFile(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}
