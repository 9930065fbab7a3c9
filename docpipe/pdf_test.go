package docpipe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/dastyar/chunk"
)

func TestExtractPDF_Simple(t *testing.T) {
	// WHAT: a PDF with a text layer yields its text.
	// WHY: PDF is an accepted text-job input.
	path := filepath.Join(t.TempDir(), "text.pdf")
	if err := os.WriteFile(path, buildRealTextPDF("Hello World from PDF extraction test"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := NewReader(0, nil).Extract(context.Background(), path)
	if err != nil {
		// A strict pdfcpu validation of the hand-built file is the only
		// acceptable failure, and it must surface as unsupported input.
		if !errors.Is(err, chunk.ErrUnsupportedFormat) {
			t.Fatalf("extract: %v", err)
		}
		return
	}
	if !strings.Contains(doc.Text, "Hello World") {
		t.Fatalf("text = %q", doc.Text)
	}
	if doc.Paragraphs != 1 || doc.Format != FormatPDF {
		t.Fatalf("paragraphs=%d format=%s", doc.Paragraphs, doc.Format)
	}
}

func TestContentText(t *testing.T) {
	cases := map[string]struct{ stream, want string }{
		"line move": {"BT\n/F1 12 Tf\n72 720 Td\n(Hello) Tj\n0 -14 Td\n[(Wor) -20 (ld)] TJ\nET", "Hello\nWorld"},
		"tj gap":    {"BT [(two) -250 (words)] TJ ET", "two words"},
		"same line": {"BT (a) Tj 20 0 Td (b) Tj ET", "a b"},
		"quote ops": {"BT (one) Tj (two) ' 1 2 (three) \" ET", "one\ntwo\nthree"},
		"nested":    {"BT (f\\(x\\) = (y)) Tj ET", "f(x) = (y)"},
		"hex":       {"BT <48656C6C6F> Tj <2> Tj ET", "Hello "},
		"comment":   {"% (skip) Tj\nBT (kept) Tj ET", "kept"},
		"inline image": {
			"BT (before) Tj ET BI /W 1 /H 1 ID \x00(Tj)\xff EI BT (after) Tj ET", "before\nafter",
		},
	}
	for name, tc := range cases {
		if got := contentText([]byte(tc.stream)); got != tc.want {
			t.Errorf("%s: got %q, want %q", name, got, tc.want)
		}
	}
}

// WHAT: UTF-16BE strings with a byte order mark decode to Persian text.
// WHY: PDF writers store non-Latin text strings that way.
func TestDecodePDFText_UTF16(t *testing.T) {
	// FEFF 0633 0644 0627 0645 = سلام
	stream := "BT <FEFF0633064406270645> Tj ET"
	if got := contentText([]byte(stream)); got != "سلام" {
		t.Fatalf("got %q", got)
	}
	if got := decodePDFText([]byte{0xe9}); got != "é" {
		t.Fatalf("latin fallback = %q", got)
	}
}

func TestExtractPDF_ImageOnly(t *testing.T) {
	// WHAT: a PDF without a text layer is rejected as unsupported.
	// WHY: scanned documents have nothing to correct.
	path := filepath.Join(t.TempDir(), "image.pdf")
	if err := os.WriteFile(path, buildImageOnlyPDF(), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewReader(0, nil).Extract(context.Background(), path)
	if !errors.Is(err, chunk.ErrUnsupportedFormat) {
		t.Fatalf("err = %v", err)
	}
}

func TestLiteralEscapes(t *testing.T) {
	lx := pdfLexer{data: []byte(`(a\(b\)c\\d\101\
e)`)}
	tok, ok := lx.next()
	if !ok || tok.kind != tokString || string(tok.str) != `a(b)c\dAe` {
		t.Fatalf("token = %+v", tok)
	}
}

func buildRealTextPDF(text string) []byte {
	escaped := strings.ReplaceAll(text, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "(", `\(`)
	escaped = strings.ReplaceAll(escaped, ")", `\)`)

	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"
	streamLen := len(stream)

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, 6)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")

	offsets[4] = b.Len()
	b.WriteString("4 0 obj\n<< /Length ")
	b.WriteString(pdfItoa(streamLen))
	b.WriteString(" >>\nstream\n")
	b.WriteString(stream)
	b.WriteString("\nendstream\nendobj\n")

	offsets[5] = b.Len()
	b.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xrefOffset := b.Len()
	b.WriteString("xref\n0 6\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 5; i++ {
		b.WriteString(pdfPadOffset(offsets[i]))
		b.WriteString(" 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n")
	b.WriteString(pdfItoa(xrefOffset))
	b.WriteString("\n%%EOF\n")

	return []byte(b.String())
}

func buildImageOnlyPDF() []byte {
	imgData := "\xff\xd8\xff\xe0"

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, 6)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /XObject << /Im1 4 0 R >> >> /Contents 5 0 R >>\nendobj\n")

	offsets[4] = b.Len()
	b.WriteString("4 0 obj\n<< /Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Length ")
	b.WriteString(pdfItoa(len(imgData)))
	b.WriteString(" >>\nstream\n")
	b.WriteString(imgData)
	b.WriteString("\nendstream\nendobj\n")

	drawStream := "q 100 0 0 100 72 692 cm /Im1 Do Q"
	offsets[5] = b.Len()
	b.WriteString("5 0 obj\n<< /Length ")
	b.WriteString(pdfItoa(len(drawStream)))
	b.WriteString(" >>\nstream\n")
	b.WriteString(drawStream)
	b.WriteString("\nendstream\nendobj\n")

	xrefOffset := b.Len()
	b.WriteString("xref\n0 6\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 5; i++ {
		b.WriteString(pdfPadOffset(offsets[i]))
		b.WriteString(" 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n")
	b.WriteString(pdfItoa(xrefOffset))
	b.WriteString("\n%%EOF\n")
	return []byte(b.String())
}

func pdfItoa(n int) string {
	if n == 0 {
		return "0"
	}
	s := ""
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}

func pdfPadOffset(n int) string {
	s := pdfItoa(n)
	for len(s) < 10 {
		s = "0" + s
	}
	return s
}
