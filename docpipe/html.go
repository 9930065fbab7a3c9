package docpipe

import (
	"os"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skippedElements never carry prose worth correcting.
var skippedElements = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Template: true, atom.Nav: true, atom.Footer: true, atom.Header: true,
	atom.Aside: true, atom.Svg: true, atom.Iframe: true,
}

// blockElements end the current paragraph when they open and close.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Tr: true, atom.Blockquote: true,
	atom.Section: true, atom.Article: true, atom.Main: true, atom.Pre: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Dt: true, atom.Dd: true, atom.Figcaption: true, atom.Caption: true, atom.Table: true,
}

// extractHTML returns the visible text of each block element of an HTML
// file. Hidden elements are dropped so that invisible text never reaches
// the corrector.
func extractHTML(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	root, err := html.Parse(f)
	if err != nil {
		return nil, err
	}
	var w htmlWalker
	w.walk(root)
	w.flush()
	return w.blocks, nil
}

type htmlWalker struct {
	blocks []string
	cur    strings.Builder
}

func (w *htmlWalker) flush() {
	if s := strings.TrimSpace(w.cur.String()); s != "" {
		w.blocks = append(w.blocks, s)
	}
	w.cur.Reset()
}

func (w *htmlWalker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.cur.WriteString(collapseSpace(n.Data))
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] || hiddenElement(n) {
			return
		}
		switch {
		case n.DataAtom == atom.Br:
			w.cur.WriteByte('\n')
			return
		case n.DataAtom == atom.Td, n.DataAtom == atom.Th:
			w.cur.WriteByte(' ')
		case blockElements[n.DataAtom]:
			w.flush()
			defer w.flush()
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

// collapseSpace folds every whitespace run of s to one space. Source
// newlines in HTML are layout, not line breaks.
func collapseSpace(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(r)
	}
	if space {
		sb.WriteByte(' ')
	}
	return sb.String()
}

func hiddenElement(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "hidden":
			return true
		case "aria-hidden":
			if strings.EqualFold(strings.TrimSpace(a.Val), "true") {
				return true
			}
		case "style":
			if hiddenStyle(a.Val) {
				return true
			}
		}
	}
	return false
}

// hiddenStyle reports inline declarations that make an element invisible.
func hiddenStyle(style string) bool {
	for decl := range strings.SplitSeq(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important")))
		switch prop {
		case "display":
			if val == "none" {
				return true
			}
		case "visibility":
			if val == "hidden" || val == "collapse" {
				return true
			}
		case "font-size", "opacity":
			if zeroValue(val) {
				return true
			}
		}
	}
	return false
}

// zeroValue parses "0", "0px", "0.0em" or "0%" as zero.
func zeroValue(v string) bool {
	num := strings.TrimRightFunc(v, func(r rune) bool { return unicode.IsLetter(r) || r == '%' })
	f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	return err == nil && f == 0
}
