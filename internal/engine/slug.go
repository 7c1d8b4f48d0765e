package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify lowercases a display name, strips accents and anything outside
// [a-z0-9_], and joins words with single hyphens.
func Slugify(name string) string {
	folded, _, err := transform.String(foldMarks, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'):
			if dash {
				b.WriteByte('-')
				dash = false
			}
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			dash = b.Len() > 0
		}
	}
	return strings.Trim(b.String(), "_")
}
