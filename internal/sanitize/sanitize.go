// Package sanitize cleans free-form text before it is embedded in a prompt or
// sent over JSON.
package sanitize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxPasses bounds the fixpoint loop. Removal can expose a composable
// sequence for NFC, which in rare cases yields a removable rune again.
const maxPasses = 8

// String returns s with delimiter-breaking and control characters removed,
// normalized to NFC and trimmed. String(String(s)) == String(s).
func String(s string) string {
	for i := 0; i < maxPasses; i++ {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
	return s
}

// Value sanitizes v when it is a string. Any other value, including nil,
// yields the empty string.
func Value(v any) string {
	switch s := v.(type) {
	case string:
		return String(s)
	case *string:
		if s == nil {
			return ""
		}
		return String(*s)
	default:
		return ""
	}
}

func pass(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unsafeRune(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func unsafeRune(r rune) bool {
	switch r {
	case '"', '`', '\\', '<', '>', '{', '}', unicode.ReplacementChar:
		return true
	case '\n', '\t':
		return false
	}
	return unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
}
