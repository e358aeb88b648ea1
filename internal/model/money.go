package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// MinorUnits converts a decimal amount (as returned by the extraction
// backend) to integer minor currency units. Rounds half away from zero so
// 10.005 becomes 1001 and -10.005 becomes -1001.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// Amount renders minor units as a decimal value for prompts and reports.
func Amount(minor int64) float64 {
	return float64(minor) / 100
}

// ParseAmount parses a decimal string with up to two fractional digits into
// minor units. Accepts an optional leading sign and a leading currency
// symbol ($, €, £). Conversion is exact: ParseAmount(FormatAmount(n)) == n.
func ParseAmount(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, eris.Errorf("model: empty amount %q", orig)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac := s, ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
	}
	if len(frac) > 2 {
		return 0, eris.Errorf("model: amount %q has more than two fractional digits", orig)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse amount %q", orig)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse amount %q", orig)
	}

	minor := w*100 + f
	if neg {
		minor = -minor
	}
	return minor, nil
}

// FormatAmount renders minor units as a plain decimal string ("10.00",
// "-0.05"). The round trip through ParseAmount is exact.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
