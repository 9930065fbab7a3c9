package docpipe

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxXMLDepth bounds element nesting in document.xml.
const maxXMLDepth = 256

// extractDocx returns the paragraphs of word/document.xml. Tabs become
// spaces and manual line breaks split a paragraph across lines; deleted
// revisions are left out.
func extractDocx(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	f, err := r.Open("word/document.xml")
	if err != nil {
		return nil, errors.New("word/document.xml not found in archive")
	}
	defer f.Close()
	return docxParagraphs(xml.NewDecoder(f))
}

func docxParagraphs(dec *xml.Decoder) ([]string, error) {
	var (
		blocks  []string
		para    strings.Builder
		depth   int
		inText  bool
		deleted int // nesting of w:del
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return blocks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth++; depth > maxXMLDepth {
				return nil, fmt.Errorf("document.xml nesting depth exceeds %d", maxXMLDepth)
			}
			switch t.Name.Local {
			case "p":
				para.Reset()
			case "del":
				deleted++
			case "t":
				inText = deleted == 0
			case "tab":
				para.WriteByte(' ')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			depth--
			switch t.Name.Local {
			case "t":
				inText = false
			case "del":
				deleted--
			case "p":
				if s := strings.TrimSpace(para.String()); s != "" {
					blocks = append(blocks, s)
				}
				para.Reset()
			}
		}
	}
}
