package extraction

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bookkeeper/internal/model"
	"github.com/sells-group/bookkeeper/internal/ocr"
)

// TextLoader resolves an intake record's document to text. PDFs go through
// the OCR extractor; plain text and HTML are read directly. Loader failures
// are structural: the document will not become readable on retry.
type TextLoader struct {
	ocr ocr.Extractor
}

func NewTextLoader(extractor ocr.Extractor) *TextLoader {
	return &TextLoader{ocr: extractor}
}

// Load reads the record's document from its unique directory and returns
// plain text.
func (l *TextLoader) Load(ctx context.Context, rec *model.IntakeRecord) (string, error) {
	path := documentPath(rec)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err := l.ocr.ExtractText(ctx, path)
		if err != nil {
			return "", eris.Wrapf(err, "extraction: ocr %s", path)
		}
		return text, nil
	case ".txt", ".text":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", eris.Wrapf(err, "extraction: read %s", path)
		}
		return string(data), nil
	case ".html", ".htm":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", eris.Wrapf(err, "extraction: read %s", path)
		}
		return stripHTML(string(data)), nil
	default:
		return "", &BackendError{
			Kind: ErrKindUnsupportedFormat,
			Op:   "load",
			Err:  eris.Errorf("unsupported extension %q", filepath.Ext(path)),
		}
	}
}

func documentPath(rec *model.IntakeRecord) string {
	if rec.UniqueDirectory != "" && rec.OriginalFilename != "" {
		candidate := filepath.Join(rec.UniqueDirectory, rec.OriginalFilename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	// A record submitted without managed storage points straight at the file.
	return rec.UniqueDirectory
}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// stripHTML flattens an HTML document to whitespace-normalized text. Invoice
// emails are simple enough that tag stripping beats a full DOM parse.
func stripHTML(s string) string {
	s = htmlScriptRe.ReplaceAllString(s, " ")
	s = htmlTagRe.ReplaceAllString(s, "\n")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
