package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultDateFormats is the fixed set of layouts accepted for dates extracted
// from documents, tried in order. The first layout is also the canonical
// output format used in prompts.
var DefaultDateFormats = []string{
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseDate parses a document date under the given layouts (DefaultDateFormats
// when nil). The result is normalized to UTC midnight for date-only layouts.
func ParseDate(s string, formats []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.New("model: empty date")
	}
	if formats == nil {
		formats = DefaultDateFormats
	}
	for _, layout := range formats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("model: unrecognized date %q", s)
}
