// Package chunk partitions job payloads into ordered, independently
// processable pieces.
//
// Text is split on code point boundaries at a fixed character count. Audio
// is decoded to PCM and split at a fixed duration into standalone WAV files.
// Both splits are lossless: joining the chunks in ordinal order yields the
// original payload (the original PCM samples for audio).
package chunk

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Defaults used when the caller passes a zero size.
const (
	DefaultTextChars     = 2500
	DefaultAudioDuration = 50_000 // milliseconds
)

// ErrUnsupportedFormat is returned when a payload cannot be decoded.
var ErrUnsupportedFormat = errors.New("chunk: unsupported format")

// Chunk is one ordered piece of a payload. Start and End are milliseconds
// for audio and code point indexes for text; End is exclusive.
type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Path    string `json:"path,omitempty"`
	Text    string `json:"text,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
}

// Text splits s into chunks of at most maxChars code points. The split
// ignores word boundaries. An empty string yields no chunks.
func Text(s string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultTextChars
	}
	if s == "" {
		return nil
	}

	var out []Chunk
	var start, count int64
	pos := 0
	from := 0
	for pos < len(s) {
		_, size := utf8.DecodeRuneInString(s[pos:])
		pos += size
		count++
		if count-start == int64(maxChars) {
			out = append(out, Chunk{Ordinal: len(out), Start: start, End: count, Text: s[from:pos]})
			start, from = count, pos
		}
	}
	if from < len(s) {
		out = append(out, Chunk{Ordinal: len(out), Start: start, End: count, Text: s[from:]})
	}
	return out
}

// JoinText concatenates the text of chunks in the order given.
func JoinText(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}
