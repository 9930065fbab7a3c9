package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// PCM is a block of decoded audio with interleaved integer samples.
type PCM struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []int
}

// Frames returns the number of sample frames (samples per channel).
func (p *PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the playback length.
func (p *PCM) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// AudioExtensions lists the accepted upload extensions.
var AudioExtensions = []string{".wav", ".mp3"}

// Source streams interleaved samples out of an audio file. Only the block
// passed to Read is held in memory.
type Source struct {
	SampleRate int
	Channels   int
	BitDepth   int

	read  func(dst []int) (int, error)
	close func() error
}

// Open opens a WAV or MP3 file chosen by extension.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunk: open audio: %w", err)
	}
	var src *Source
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		src, err = openWAV(f)
	case ".mp3":
		src, err = openMP3(f)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	if src.SampleRate <= 0 || src.Channels <= 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %d Hz x%d", ErrUnsupportedFormat, src.SampleRate, src.Channels)
	}
	src.close = f.Close
	return src, nil
}

// Read decodes up to len(dst) samples into dst. It returns 0, io.EOF once
// the stream is exhausted.
func (s *Source) Read(dst []int) (int, error) { return s.read(dst) }

// Close releases the file.
func (s *Source) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// openWAV accepts uncompressed PCM WAV only.
func openWAV(f *os.File) (*Source, error) {
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedFormat)
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: wav encoding %d is not PCM", ErrUnsupportedFormat, d.WavAudioFormat)
	}
	if err := d.FwdToPCM(); err != nil || d.PCMChunk == nil {
		return nil, fmt.Errorf("%w: no pcm data (%v)", ErrUnsupportedFormat, err)
	}
	return &Source{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		read: func(dst []int) (int, error) {
			n, err := d.PCMBuffer(&audio.IntBuffer{Data: dst})
			if err != nil {
				return n, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
			}
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		},
	}, nil
}

// openMP3 decodes to 16-bit little-endian stereo, the only output of the
// decoder.
func openMP3(f *os.File) (*Source, error) {
	d, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	var raw []byte
	return &Source{
		SampleRate: d.SampleRate(),
		Channels:   2,
		BitDepth:   16,
		read: func(dst []int) (int, error) {
			want := (len(dst) &^ 1) * 2
			if cap(raw) < want {
				raw = make([]byte, want)
			}
			m, err := io.ReadFull(d, raw[:want])
			m -= m % 4
			for i := range m / 2 {
				dst[i] = int(int16(binary.LittleEndian.Uint16(raw[2*i:])))
			}
			switch {
			case m > 0:
				return m / 2, nil
			case err == nil || err == io.EOF || err == io.ErrUnexpectedEOF:
				return 0, io.EOF
			default:
				return 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
			}
		},
	}, nil
}

// readBlock fills dst from src and trims a trailing partial frame. It
// returns io.EOF, possibly with n > 0, when the stream ended.
func readBlock(src *Source, dst []int) (int, error) {
	n := 0
	for n < len(dst) {
		m, err := src.Read(dst[n:])
		n += m
		if err != nil {
			return n - n%src.Channels, err
		}
		if m == 0 {
			return n - n%src.Channels, io.EOF
		}
	}
	return n, nil
}

// EncodeWAV writes p as a PCM WAV file.
func EncodeWAV(path string, p *PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("chunk: create wav: %w", err)
	}
	enc := wav.NewEncoder(f, p.SampleRate, p.BitDepth, p.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: p.Channels, SampleRate: p.SampleRate},
		Data:           p.Samples,
		SourceBitDepth: p.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("chunk: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("chunk: finish wav: %w", err)
	}
	return f.Close()
}

// Segment is one block of PCM with its position in the source.
type Segment struct {
	Ordinal int
	StartMs int64
	EndMs   int64
	PCM     *PCM
}

// Split reads src in blocks of at most max duration and hands each block
// to emit in order. The samples passed to emit are reused by the next
// block. A source without a single frame is ErrUnsupportedFormat.
func Split(src *Source, max time.Duration, emit func(Segment) error) error {
	if max <= 0 {
		max = DefaultAudioDuration * time.Millisecond
	}
	per := int(int64(max) * int64(src.SampleRate) / int64(time.Second))
	if per <= 0 {
		per = 1
	}
	buf := make([]int, per*src.Channels)

	frames := 0
	for ord := 0; ; ord++ {
		n, err := readBlock(src, buf)
		if n > 0 {
			start := frames
			frames += n / src.Channels
			seg := Segment{
				Ordinal: ord,
				StartMs: frameMs(start, src.SampleRate),
				EndMs:   frameMs(frames, src.SampleRate),
				PCM: &PCM{
					SampleRate: src.SampleRate,
					Channels:   src.Channels,
					BitDepth:   src.BitDepth,
					Samples:    buf[:n],
				},
			}
			if eerr := emit(seg); eerr != nil {
				return eerr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if frames == 0 {
		return fmt.Errorf("%w: no audio frames", ErrUnsupportedFormat)
	}
	return nil
}

func frameMs(frame, rate int) int64 {
	return int64(frame) * 1000 / int64(rate)
}

// Manifest describes the chunk files written for one audio payload.
type Manifest struct {
	Source      string  `json:"source"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
	DurationMs  int64   `json:"duration_ms"`
	MaxMs       int64   `json:"max_ms"`
	TotalChunks int     `json:"total_chunks"`
	Chunks      []Chunk `json:"chunks"`
	CreatedAt   string  `json:"created_at"`
}

// Audio decodes srcPath block by block and writes one WAV per segment
// plus manifest.json into outDir.
func Audio(srcPath, outDir string, max time.Duration) (*Manifest, error) {
	if max <= 0 {
		max = DefaultAudioDuration * time.Millisecond
	}
	src, err := Open(srcPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("chunk: create output dir: %w", err)
	}

	m := &Manifest{
		Source:     filepath.Base(srcPath),
		SampleRate: src.SampleRate,
		Channels:   src.Channels,
		MaxMs:      max.Milliseconds(),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	err = Split(src, max, func(s Segment) error {
		path := filepath.Join(outDir, fmt.Sprintf("chunk_%05d.wav", s.Ordinal))
		if err := EncodeWAV(path, s.PCM); err != nil {
			return fmt.Errorf("chunk %d: %w", s.Ordinal, err)
		}
		sum, err := fileSHA256(path)
		if err != nil {
			return err
		}
		m.Chunks = append(m.Chunks, Chunk{
			Ordinal: s.Ordinal,
			Start:   s.StartMs,
			End:     s.EndMs,
			Path:    path,
			SHA256:  sum,
		})
		m.DurationMs = s.EndMs
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.TotalChunks = len(m.Chunks)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("chunk: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("chunk: write manifest: %w", err)
	}
	return m, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
