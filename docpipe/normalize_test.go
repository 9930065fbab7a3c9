package docpipe

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]struct{ in, want string }{
		"arabic letters": {"عل\u064a \u0643تاب", "علی کتاب"},
		"alef maksura":   {"مصطف\u0649", "مصطفی"},
		"tatweel":        {"س\u0640\u0640لام", "سلام"},
		"bidi marks":     {"\u200fسلام\u200e \u202bدنیا\u202c\u2067!\u2069", "سلام دنیا!"},
		"zwnj kept":      {"می\u200cروم", "می\u200cروم"},
		"zwnj repeated":  {"می\u200c\u200c\u200cروم", "می\u200cروم"},
		"zwnj at space":  {"کتاب\u200c ها \u200cخوب\u200c", "کتاب ها خوب"},
		"whitespace":     {"  یک\t  دو   سه  ", "یک دو سه"},
		"line endings":   {"یک\r\nدو\rسه", "یک\nدو\nسه"},
		"blank runs":     {"\n\n یک \n\n\n \n دو\n\n", "یک\n\nدو"},
		"bom":            {"\ufeffمتن", "متن"},
		"control chars":  {"a\x00b\x07c", "abc"},
		"latin intact":   {"Hello,  World", "Hello, World"},
		"empty":          {" \n\t\n", ""},
	}
	for name, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("%s: Normalize(%q) = %q, want %q", name, tc.in, got, tc.want)
		}
	}
}

// WHAT: a Persian text file reaches chunking already normalised.
// WHY: correction prompts should never see mixed Arabic and Persian forms.
func TestExtract_NormalizesPersian(t *testing.T) {
	doc := extract(t, write(t, "fa.txt", "\u0643تابها\u064a  من\u200c\u200c\r\n\r\n\r\nم\u064a\u200cخوانم"))
	if want := "کتابهای من\n\nمی\u200cخوانم"; doc.Text != want {
		t.Fatalf("text = %q, want %q", doc.Text, want)
	}
	if !doc.RTL || doc.Paragraphs != 2 {
		t.Fatalf("rtl=%v paragraphs=%d", doc.RTL, doc.Paragraphs)
	}
}

func TestDirection(t *testing.T) {
	if n, rtl := direction("سلام\nhello\nدنیا"); n != 3 || !rtl {
		t.Fatalf("n=%d rtl=%v", n, rtl)
	}
	if n, rtl := direction("hello\n\nسلام"); n != 2 || rtl {
		t.Fatalf("n=%d rtl=%v", n, rtl)
	}
}
