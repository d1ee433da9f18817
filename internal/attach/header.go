package attach

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a source field name to an identifier so headers such
// as "Sample Date" or "Příjmení" match columns sample_date and prijmeni:
// lowercase, accents stripped, runs of space, dash, dot and underscore become
// one underscore, anything else outside [a-z0-9] is dropped. An empty result
// stays empty.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := transform.String(t, s)
	if err != nil {
		ascii = s
	}

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
