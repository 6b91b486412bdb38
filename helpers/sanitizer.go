package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeCredential turns a raw protocol parameter into text usable as a
// backend credential. Invalid UTF-8 sequences and NULL bytes are dropped and
// surrounding whitespace is trimmed.
func SanitizeCredential(raw []byte) string {
	s := string(raw)
	if !utf8.ValidString(s) || strings.ContainsRune(s, '\x00') {
		var b strings.Builder
		b.Grow(len(s))
		for i, r := range s {
			if r == '\x00' {
				continue
			}
			if r == utf8.RuneError {
				if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
					continue
				}
			}
			b.WriteRune(r)
		}
		s = b.String()
	}
	return strings.TrimSpace(s)
}
