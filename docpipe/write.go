package docpipe

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// WriteDOCX writes text as a Word document at path, one paragraph per line.
// Paragraphs whose first strong character is Arabic-script are marked
// right-to-left. The file is written to a temporary name and renamed.
func WriteDOCX(path, text string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".docx-*")
	if err != nil {
		return fmt.Errorf("docpipe: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeDOCX(tmp, text); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("docpipe: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("docpipe: rename: %w", err)
	}
	return nil
}

func writeDOCX(w io.Writer, text string) error {
	zw := zip.NewWriter(w)
	parts := []struct {
		name string
		body func(io.Writer) error
	}{
		{"[Content_Types].xml", func(w io.Writer) error { _, err := io.WriteString(w, contentTypesXML); return err }},
		{"_rels/.rels", func(w io.Writer) error { _, err := io.WriteString(w, relsXML); return err }},
		{"word/document.xml", func(w io.Writer) error { return writeDocumentXML(w, text) }},
	}
	for _, p := range parts {
		fw, err := zw.Create(p.name)
		if err != nil {
			return fmt.Errorf("docpipe: zip %s: %w", p.name, err)
		}
		if err := p.body(fw); err != nil {
			return fmt.Errorf("docpipe: write %s: %w", p.name, err)
		}
	}
	return zw.Close()
}

func writeDocumentXML(w io.Writer, text string) error {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	sb.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		rtl := isRTL(line)
		sb.WriteString("<w:p>")
		if rtl {
			sb.WriteString(`<w:pPr><w:bidi/></w:pPr>`)
		}
		if line != "" {
			sb.WriteString("<w:r>")
			if rtl {
				sb.WriteString(`<w:rPr><w:rtl/></w:rPr>`)
			}
			sb.WriteString(`<w:t xml:space="preserve">`)
			if err := xml.EscapeText(&sb, []byte(line)); err != nil {
				return err
			}
			sb.WriteString("</w:t></w:r>")
		}
		sb.WriteString("</w:p>")
	}
	sb.WriteString(`<w:sectPr/></w:body></w:document>`)
	_, err := io.WriteString(w, sb.String())
	return err
}

// isRTL reports whether the first letter of s is Arabic-script (Persian,
// Arabic) or Hebrew.
func isRTL(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		return unicode.Is(unicode.Arabic, r) || unicode.Is(unicode.Hebrew, r)
	}
	return false
}
