// Package docpipe reads the text inputs accepted by text-correction jobs
// and writes the .docx artifact of every completed job.
//
// Every reader reduces its format to paragraphs in reading order; Extract
// joins them one per line and runs Normalize over the result, so chunking
// sees the same Persian text whatever the upload format.
//
// Readers:
//   - .docx  word/document.xml paragraphs, line breaks and tabs
//   - .pdf   text-showing operators of each page through pdfcpu
//   - .md    paragraphs and list items, markup dropped
//   - .txt   plain UTF-8 text
//   - .html  visible text of block elements through golang.org/x/net/html
package docpipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/dastyar/chunk"
)

// Reader extracts text from uploaded documents.
type Reader struct {
	maxFileSize int64
	logger      *slog.Logger
}

// NewReader returns a Reader that refuses files above maxFileSize bytes
// (default 100 MiB).
func NewReader(maxFileSize int64, logger *slog.Logger) *Reader {
	if maxFileSize <= 0 {
		maxFileSize = 100 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{maxFileSize: maxFileSize, logger: logger}
}

// Extensions lists the accepted text input extensions.
var Extensions = []string{".txt", ".text", ".md", ".markdown", ".docx", ".pdf", ".html", ".htm"}

// Detect returns the format of path from its extension. Unknown extensions
// fail with chunk.ErrUnsupportedFormat.
func Detect(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".docx":
		return FormatDocx, nil
	case ".pdf":
		return FormatPDF, nil
	case ".md", ".markdown":
		return FormatMD, nil
	case ".txt", ".text":
		return FormatTXT, nil
	case ".html", ".htm":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("%w: %q", chunk.ErrUnsupportedFormat, ext)
	}
}

// extractor returns the text blocks of one format in reading order.
type extractor func(path string) ([]string, error)

var extractors = map[Format]extractor{
	FormatDocx: extractDocx,
	FormatPDF:  extractPDF,
	FormatMD:   extractMarkdown,
	FormatTXT:  extractText,
	FormatHTML: extractHTML,
}

// Extract reads the document at path and normalises its text. Parse
// failures wrap chunk.ErrUnsupportedFormat: a file that cannot be read as
// its extension claims is not a valid input.
func (r *Reader) Extract(ctx context.Context, path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > r.maxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), r.maxFileSize)
	}
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blocks, err := extractors[format](path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%s): %v", chunk.ErrUnsupportedFormat, filepath.Base(path), format, err)
	}
	doc := &Document{Path: path, Format: format, Text: Normalize(strings.Join(blocks, "\n"))}
	doc.Paragraphs, doc.RTL = direction(doc.Text)
	r.logger.Debug("docpipe: extracted", "path", path, "format", format,
		"paragraphs", doc.Paragraphs, "rtl", doc.RTL)
	return doc, nil
}

// direction counts the non-empty lines of text and whether most of them
// read right to left.
func direction(text string) (paragraphs int, rtl bool) {
	n := 0
	for line := range strings.SplitSeq(text, "\n") {
		if line == "" {
			continue
		}
		paragraphs++
		if isRTL(line) {
			n++
		}
	}
	return paragraphs, n*2 > paragraphs
}
