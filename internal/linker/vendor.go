package linker

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks after NFKD decomposition, so "Café"
// and "Cafe" normalize to the same key.
var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// corporateSuffixes are dropped from vendor names before comparison. A
// receipt often omits the legal form the invoice carries.
var corporateSuffixes = map[string]bool{
	"ltd": true, "limited": true, "inc": true, "incorporated": true,
	"llc": true, "llp": true, "corp": true, "corporation": true,
	"co": true, "company": true, "gmbh": true, "sa": true, "plc": true,
}

// NormalizeVendor reduces a vendor name to a comparison key: diacritics
// stripped, case folded, punctuation collapsed to spaces, corporate
// suffixes dropped.
func NormalizeVendor(name string) string {
	s, _, err := transform.String(stripMarks, name)
	if err != nil {
		s = name
	}
	s = strings.ToLower(s)

	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 1 && corporateSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
