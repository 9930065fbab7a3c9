package docpipe

import (
	"strings"
	"unicode"
)

const zwnj = '\u200c'

// arabicForms maps Arabic code points that Persian keyboards and converters
// emit to the Persian letters a corrector expects.
var arabicForms = strings.NewReplacer(
	"\u064a", "\u06cc", // yeh
	"\u0649", "\u06cc", // alef maksura
	"\u0643", "\u06a9", // kaf
)

// Normalize prepares extracted text for chunking and correction:
// line endings become LF, Arabic yeh and kaf take their Persian forms,
// tatweel and invisible direction marks are removed, horizontal whitespace
// collapses to single spaces and lines are trimmed. The zero-width
// non-joiner is kept, since Persian spelling depends on it, but repeats and
// joiners touching a space are dropped. Runs of blank lines collapse to one
// and blank lines at either end are removed.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = arabicForms.Replace(s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = normalizeLine(line)
		if line == "" {
			if !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		out = append(out, line)
		blank = false
	}
	if n := len(out); n > 0 && out[n-1] == "" {
		out = out[:n-1]
	}
	return strings.Join(out, "\n")
}

func normalizeLine(line string) string {
	out := make([]rune, 0, len(line))
	space := false
	for _, r := range line {
		switch {
		case invisible(r):
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		case r == zwnj:
			if space || len(out) == 0 || out[len(out)-1] == zwnj {
				continue
			}
		}
		if space && len(out) > 0 {
			if out[len(out)-1] == zwnj {
				out = out[:len(out)-1]
			}
			out = append(out, ' ')
		}
		space = false
		out = append(out, r)
	}
	if n := len(out); n > 0 && out[n-1] == zwnj {
		out = out[:n-1]
	}
	return string(out)
}

// invisible reports code points removed outright.
func invisible(r rune) bool {
	switch r {
	// BOM, zero width space, LRM, RLM, arabic letter mark, tatweel
	case '\ufeff', '\u200b', '\u200e', '\u200f', '\u061c', '\u0640':
		return true
	}
	if r >= '\u202a' && r <= '\u202e' || r >= '\u2066' && r <= '\u2069' {
		return true
	}
	return unicode.IsControl(r) && !unicode.IsSpace(r)
}
