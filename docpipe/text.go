package docpipe

import (
	"errors"
	"os"
	"strings"
	"unicode/utf8"
)

// extractText reads a plain text file as a single block; Normalize takes
// care of line endings and the BOM.
func extractText(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errors.New("not UTF-8 text")
	}
	return []string{string(data)}, nil
}

// extractMarkdown returns the prose of a Markdown file: soft-wrapped lines
// join into one paragraph, heading and quote markers go, list items stay one
// per line and fenced code is skipped since it is not text to correct.
func extractMarkdown(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errors.New("not UTF-8 text")
	}

	var blocks []string
	var para []string
	flush := func() {
		if len(para) > 0 {
			blocks = append(blocks, strings.Join(para, " "))
			para = para[:0]
		}
	}

	fence := ""
	for line := range strings.SplitSeq(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "```"), strings.HasPrefix(trimmed, "~~~"):
			flush()
			fence = trimmed[:3]
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "#"):
			flush()
			heading := strings.TrimSpace(strings.Trim(trimmed, "#"))
			if heading != "" {
				blocks = append(blocks, heading)
			}
		case isRule(trimmed):
			flush()
		case isListItem(trimmed):
			flush()
			para = append(para, trimmed)
		default:
			para = append(para, strings.TrimSpace(strings.TrimLeft(trimmed, ">")))
		}
	}
	flush()
	return blocks, nil
}

func isListItem(s string) bool {
	if len(s) > 1 && strings.ContainsRune("-*+", rune(s[0])) && s[1] == ' ' {
		return true
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && i+1 < len(s) && (s[i] == '.' || s[i] == ')') && s[i+1] == ' '
}

// isRule matches thematic breaks such as "---" and "* * *".
func isRule(s string) bool {
	s = strings.ReplaceAll(s, " ", "")
	if len(s) < 3 {
		return false
	}
	return strings.Trim(s, "-") == "" || strings.Trim(s, "*") == "" || strings.Trim(s, "_") == ""
}
