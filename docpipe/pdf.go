package docpipe

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// extractPDF returns the text of each page that carries any. A PDF with no
// text layer (scanned pages) is rejected: there is nothing to correct.
//
// Strings are decoded as UTF-16BE when they start with a byte order mark and
// as UTF-8 or Windows-1252 otherwise. Fonts that need a ToUnicode map to
// recover their text come out as mojibake.
func extractPDF(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var pages []string
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil || r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNr, err)
		}
		if text := strings.TrimSpace(contentText(data)); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return nil, errors.New("no text layer in PDF")
	}
	return pages, nil
}

// tjSpace is the TJ displacement, in thousandths of an em, read as a word gap.
const tjSpace = -200

// contentText runs the text operators of a page content stream. Moves to a
// new line and new text objects start a new line; horizontal moves and wide
// TJ gaps become spaces.
func contentText(data []byte) string {
	var (
		out      strings.Builder
		lx       = pdfLexer{data: data}
		operands []pdfToken
	)
	newline := func() {
		if s := out.String(); s != "" && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}
	space := func() {
		if s := out.String(); s != "" && !strings.HasSuffix(s, " ") && !strings.HasSuffix(s, "\n") {
			out.WriteByte(' ')
		}
	}
	show := func(t pdfToken) {
		if t.kind == tokString {
			out.WriteString(decodePDFText(t.str))
		}
	}

	for {
		tok, ok := lx.next()
		if !ok {
			break
		}
		if tok.kind != tokOperator {
			operands = append(operands, tok)
			continue
		}
		switch tok.word {
		case "BT", "T*":
			newline()
		case "Td", "TD":
			if len(operands) == 2 && operands[1].num != 0 {
				newline()
			} else {
				space()
			}
		case "Tm":
			newline()
		case "Tj":
			if n := len(operands); n > 0 {
				show(operands[n-1])
			}
		case "'":
			newline()
			if n := len(operands); n > 0 {
				show(operands[n-1])
			}
		case `"`:
			newline()
			if len(operands) == 3 {
				show(operands[2])
			}
		case "TJ":
			if n := len(operands); n > 0 {
				for _, el := range operands[n-1].arr {
					if el.kind == tokNumber && el.num < tjSpace {
						space()
					}
					show(el)
				}
			}
		case "ID":
			lx.skipInlineImage()
		}
		operands = operands[:0]
	}
	return out.String()
}

// decodePDFText turns the bytes of a PDF string into text.
func decodePDFText(b []byte) string {
	if bytes.HasPrefix(b, []byte{0xFE, 0xFF}) {
		s, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(b)
		if err == nil {
			return string(s)
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(s)
}

type tokKind int

const (
	tokOperator tokKind = iota
	tokNumber
	tokString
	tokName
	tokArray
	tokArrayEnd
	tokDelim
)

type pdfToken struct {
	kind tokKind
	word string // operator or name
	num  float64
	str  []byte
	arr  []pdfToken
}

// pdfLexer tokenizes a content stream. Dictionaries are returned as bare
// delimiters since no text operator takes one.
type pdfLexer struct {
	data []byte
	pos  int
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

func (l *pdfLexer) skipSpace() {
	for l.pos < len(l.data) {
		switch c := l.data[l.pos]; {
		case isPDFSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *pdfLexer) next() (pdfToken, bool) {
	l.skipSpace()
	if l.pos >= len(l.data) {
		return pdfToken{}, false
	}
	switch l.data[l.pos] {
	case '(':
		return pdfToken{kind: tokString, str: l.literal()}, true
	case '<':
		if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
			l.pos += 2
			return pdfToken{kind: tokDelim}, true
		}
		return pdfToken{kind: tokString, str: l.hexString()}, true
	case '>':
		l.pos++
		if l.pos < len(l.data) && l.data[l.pos] == '>' {
			l.pos++
		}
		return pdfToken{kind: tokDelim}, true
	case '[':
		l.pos++
		var arr []pdfToken
		for {
			t, ok := l.next()
			if !ok || t.kind == tokArrayEnd {
				break
			}
			arr = append(arr, t)
		}
		return pdfToken{kind: tokArray, arr: arr}, true
	case ']':
		l.pos++
		return pdfToken{kind: tokArrayEnd}, true
	case '/':
		l.pos++
		return pdfToken{kind: tokName, word: string(l.regular())}, true
	case ')', '{', '}':
		l.pos++
		return pdfToken{kind: tokDelim}, true
	}
	word := l.regular()
	if n, err := strconv.ParseFloat(string(word), 64); err == nil {
		return pdfToken{kind: tokNumber, num: n}, true
	}
	return pdfToken{kind: tokOperator, word: string(word)}, true
}

// regular reads a run of regular characters.
func (l *pdfLexer) regular() []byte {
	start := l.pos
	for l.pos < len(l.data) && !isPDFSpace(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
		l.pos++
	}
	return l.data[start:l.pos]
}

// literal reads a (string) with balanced parentheses and escapes.
func (l *pdfLexer) literal() []byte {
	l.pos++
	var out []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
		case ')':
			if depth--; depth == 0 {
				return out
			}
		case '\\':
			out = l.escape(out)
			continue
		}
		out = append(out, c)
	}
	return out
}

func (l *pdfLexer) escape(out []byte) []byte {
	if l.pos >= len(l.data) {
		return out
	}
	c := l.data[l.pos]
	l.pos++
	switch c {
	case 'n':
		return append(out, '\n')
	case 'r':
		return append(out, '\r')
	case 't':
		return append(out, '\t')
	case 'b':
		return append(out, '\b')
	case 'f':
		return append(out, '\f')
	case '\r':
		if l.pos < len(l.data) && l.data[l.pos] == '\n' {
			l.pos++
		}
		return out
	case '\n':
		return out
	}
	if c < '0' || c > '7' {
		return append(out, c)
	}
	v := int(c - '0')
	for range 2 {
		if l.pos >= len(l.data) || l.data[l.pos] < '0' || l.data[l.pos] > '7' {
			break
		}
		v = v*8 + int(l.data[l.pos]-'0')
		l.pos++
	}
	return append(out, byte(v))
}

// hexString reads a <hex string>; an odd final digit is padded with 0.
func (l *pdfLexer) hexString() []byte {
	l.pos++
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		if c := l.data[l.pos]; !isPDFSpace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil
	}
	return out
}

// skipInlineImage moves past the binary data of an inline image up to its
// EI operator.
func (l *pdfLexer) skipInlineImage() {
	for l.pos+2 <= len(l.data) {
		if l.data[l.pos] == 'E' && l.data[l.pos+1] == 'I' &&
			l.pos > 0 && isPDFSpace(l.data[l.pos-1]) &&
			(l.pos+2 == len(l.data) || isPDFSpace(l.data[l.pos+2])) {
			l.pos += 2
			return
		}
		l.pos++
	}
	l.pos = len(l.data)
}
