package intake

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookkeeper/internal/model"
)

// FileStore copies submitted documents into a per-record directory under the
// intake root, so the original upload location can be reclaimed without
// losing the document.
type FileStore struct {
	root string
}

// NewFileStore creates the intake root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrap(err, "intake: create storage root")
	}
	return &FileStore{root: root}, nil
}

// Stash copies the document into <root>/<intakeID>/<filename> and returns
// the record's unique directory.
func (f *FileStore) Stash(doc model.SourceDocument, intakeID string) (string, error) {
	dir := filepath.Join(f.root, intakeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "intake: create record directory")
	}

	name := doc.OriginalFilename
	if name == "" {
		name = filepath.Base(doc.Path)
	}
	src, err := os.Open(doc.Path)
	if err != nil {
		return "", eris.Wrapf(err, "intake: open %s", doc.Path)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", eris.Wrap(err, "intake: create stored copy")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", eris.Wrap(err, "intake: copy document")
	}
	return dir, nil
}

// Discard removes a record's directory. Used to clean up after a losing
// duplicate insert; errors are logged, not returned, since the record was
// never created.
func (f *FileStore) Discard(intakeID string) {
	dir := filepath.Join(f.root, intakeID)
	if err := os.RemoveAll(dir); err != nil {
		zap.L().Warn("discard failed", zap.String("dir", dir), zap.Error(err))
	}
}

// DocumentPath returns the stored path for a record's document.
func (f *FileStore) DocumentPath(intakeID, filename string) string {
	return filepath.Join(f.root, intakeID, filename)
}
