package arbiter

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// Smart punctuation and no-break spaces that show up in copied English text.
	speechPunctReplacer = strings.NewReplacer(
		"‘", "'",
		"’", "'",
		"“", `"`,
		"”", `"`,
		"…", "...",
		" ", " ",
		" ", " ",
	)

	// Dashes between alphanumerics read better as spaces in English TTS.
	speechDashPattern = regexp.MustCompile(`([A-Za-z0-9])[-\x{2010}\x{2011}\x{2012}\x{2013}\x{2014}\x{2212}]([A-Za-z0-9])`)
)

// normalizeSpeechText reshapes English text into the plain ASCII-ish form the
// synthesis worker pronounces cleanly.
func normalizeSpeechText(text string) string {
	normalized := speechPunctReplacer.Replace(text)
	normalized = stripLatinDiacritics(normalized)
	return speechDashPattern.ReplaceAllString(normalized, "$1 $2")
}

// stripLatinDiacritics drops combining marks attached to Latin letters only;
// marks on non-Latin scripts stay untouched.
func stripLatinDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	prevLatin := false
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			if prevLatin {
				continue
			}
			b.WriteRune(r)
			continue
		}
		prevLatin = unicode.Is(unicode.Latin, r)
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}
