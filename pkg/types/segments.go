package types

import (
	"strings"
	"unicode"
)

// IsWordLevel reports whether the segment list is word-granular, i.e.
// every non-empty segment carries at most one word of text. The
// transcribe stage emits word-level segments so the enrich stage can
// re-segment linguistically.
func IsWordLevel(segments []Segment) bool {
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if strings.ContainsFunc(text, unicode.IsSpace) {
			return false
		}
	}
	return true
}

// JoinText concatenates the text of all segments
func JoinText(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Text)
	}
	return b.String()
}

// StripSpace removes all whitespace from s. Comparisons between LLM
// output and source text are whitespace-insensitive throughout the
// enrich stage.
func StripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// TokensText concatenates the surface text of all tokens
func TokensText(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}
