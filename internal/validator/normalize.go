// Package validator decides whether filesystem paths stay inside the workspace and
// whether command lines are safe to hand to the secure executor.
package validator

import (
	"html"
	"strconv"
	"strings"
)

// maxNormalizeRounds bounds repeated decoding of nested encodings (%2524 -> %24 -> $).
const maxNormalizeRounds = 3

// Normalize decodes percent-encoding, \u / \x escapes and HTML entities so that
// encoded payloads are matched against the same rules as their plain form.
func Normalize(s string) string {
	out := s
	for i := 0; i < maxNormalizeRounds; i++ {
		next := html.UnescapeString(decodeEscapes(decodePercent(out)))
		if next == out {
			break
		}
		out = next
	}
	return out
}

// decodePercent decodes valid %XX sequences and leaves malformed ones in place.
func decodePercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// decodeEscapes decodes \uXXXX, \UXXXXXXXX and \xXX escapes.
func decodeEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			width := 0
			switch s[i+1] {
			case 'u':
				width = 4
			case 'U':
				width = 8
			case 'x':
				width = 2
			}
			if width > 0 && i+2+width <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+2+width], 16, 32); err == nil {
					b.WriteRune(rune(v))
					i += 1 + width
					continue
				}
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
