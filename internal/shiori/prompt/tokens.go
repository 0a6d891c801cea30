// Package prompt assembles the bounded text payload handed to the
// completion service for a discussion turn.
//
// Everything here is a pure function of its inputs: no I/O, no clocks, no
// logging. Token counts come from a deterministic approximation (runs of
// letters/digits count as one token, every other non-space rune counts as
// one) so that truncation is monotonic: truncating a text to n tokens and
// counting it again always yields min(n, CountTokens(text)).
package prompt

import (
	"unicode"
	"unicode/utf8"
)

// span is the byte range [start, end) of one token inside a string.
type span struct {
	start, end int
}

// scan returns the token spans of s in order.
func scan(s string) []span {
	var spans []span
	inWord := false
	wordStart := 0
	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				inWord = true
				wordStart = i
			}
		default:
			if inWord {
				spans = append(spans, span{wordStart, i})
				inWord = false
			}
			if !unicode.IsSpace(r) {
				// An invalid byte decodes as RuneError but is one byte wide.
				_, width := utf8.DecodeRuneInString(s[i:])
				spans = append(spans, span{i, i + width})
			}
		}
	}
	if inWord {
		spans = append(spans, span{wordStart, len(s)})
	}
	return spans
}

// CountTokens returns the approximate token count of s.
func CountTokens(s string) int {
	return len(scan(s))
}

// Truncate returns the longest prefix of s containing at most n tokens.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	spans := scan(s)
	if len(spans) <= n {
		return s
	}
	return s[:spans[n-1].end]
}

// TruncateTail returns the longest suffix of s containing at most n tokens.
func TruncateTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	spans := scan(s)
	if len(spans) <= n {
		return s
	}
	return s[spans[len(spans)-n].start:]
}
