package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedContent means the provider found no speech. It is not
	// a failure: the chunk gets a time-range placeholder.
	ErrUnrecognizedContent = errors.New("speech: no speech detected")
	// ErrTransientProvider marks rate limits, 5xx and network errors. They
	// are retried inside the worker.
	ErrTransientProvider = errors.New("speech: transient provider error")
	// ErrFatalChunk means the chunk could not be transcribed. The job fails.
	ErrFatalChunk = errors.New("speech: chunk transcription failed")
)

// OutcomeKind discriminates Outcome.
type OutcomeKind int

const (
	KindOk OutcomeKind = iota
	KindPlaceholder
	KindFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindPlaceholder:
		return "placeholder"
	default:
		return "fatal"
	}
}

// Outcome is the result of transcribing one chunk.
type Outcome struct {
	Kind OutcomeKind
	Text string // transcript for KindOk, range marker for KindPlaceholder
	Err  error  // set for KindFatal
}

// Ok wraps a transcript.
func Ok(text string) Outcome { return Outcome{Kind: KindOk, Text: text} }

// Placeholder marks a chunk without recognisable speech.
func Placeholder(startMs, endMs int64) Outcome {
	return Outcome{Kind: KindPlaceholder, Text: FormatRange(startMs, endMs)}
}

// Fatal wraps a chunk failure.
func Fatal(err error) Outcome {
	return Outcome{Kind: KindFatal, Err: fmt.Errorf("%w: %v", ErrFatalChunk, err)}
}

// FormatRange renders "(MM:SS-MM:SS)" from millisecond offsets, truncating
// to whole seconds.
func FormatRange(startMs, endMs int64) string {
	return "(" + mmss(startMs/1000) + "-" + mmss(endMs/1000) + ")"
}

func mmss(sec int64) string {
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}
