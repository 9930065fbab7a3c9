package docpipe

// Format identifies a text input type.
type Format string

const (
	FormatDocx Format = "docx"
	FormatPDF  Format = "pdf"
	FormatMD   Format = "md"
	FormatTXT  Format = "txt"
	FormatHTML Format = "html"
)

// Document is the correctable text of an uploaded file.
type Document struct {
	Path   string `json:"path"`
	Format Format `json:"format"`
	// Text is the normalised text in reading order, one paragraph per line.
	// Text jobs chunk and correct it.
	Text string `json:"text"`
	// Paragraphs counts the non-empty lines of Text.
	Paragraphs int `json:"paragraphs"`
	// RTL is set when most paragraphs open with a right-to-left letter.
	RTL bool `json:"rtl"`
}
