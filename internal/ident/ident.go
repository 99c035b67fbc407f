// Package ident folds and sanitizes identifiers so that field names coming
// from spreadsheets, PDFs and agents can be compared with, and turned into,
// SQL column names.
package ident

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLength is the longest identifier Postgres keeps without truncation
// (NAMEDATALEN - 1). MySQL allows 64, so 63 is safe for both.
const MaxLength = 63

// Fold lower-cases s and strips diacritics: "Número de Série" → "numero de serie".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// Normalize folds s and joins its alphanumeric runs with single underscores:
// "Número de Série" → "numero_de_serie", "Serial-Number " → "serial_number".
// Two names that normalize equally are considered the same field.
func Normalize(s string) string {
	folded := Fold(s)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if isWordRune(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// Compact is Normalize without separators, used for edit-distance comparison
// so that "serialnumber" and "serial_number" are identical.
func Compact(s string) string {
	return strings.ReplaceAll(Normalize(s), "_", "")
}

// Sanitize turns s into a safe SQL identifier restricted to [a-z0-9_]:
// normalized, capped at MaxLength bytes, and prefixed with "c_" when it would
// start with a digit. It returns "" when nothing usable remains.
func Sanitize(s string) string {
	n := Normalize(s)

	// Normalize keeps any letter or digit; identifiers are ASCII only.
	var b strings.Builder
	b.Grow(len(n))
	for _, r := range n {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.Trim(collapseUnderscores(b.String()), "_")
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "c_" + out
	}
	if len(out) > MaxLength {
		out = strings.TrimRight(out[:MaxLength], "_")
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func collapseUnderscores(s string) string {
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}
