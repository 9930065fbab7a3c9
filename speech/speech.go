// Package speech transcribes audio chunks through an OpenAI-compatible
// speech-to-text endpoint (POST {base}/audio/transcriptions, multipart).
//
// Transient provider errors are retried with linear backoff (1s, 2s, 3s...).
// An empty transcript means no speech: the chunk becomes a "(MM:SS-MM:SS)"
// placeholder instead of failing the job.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/dastyar/chunk"
	"github.com/hazyhaar/dastyar/connectivity"
)

// Config configures the provider client.
type Config struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "whisper-1"
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Provider turns audio bytes into text. It returns ErrUnrecognizedContent
// when the audio holds no speech.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, audio []byte, filename, language string) (string, error)

func (f ProviderFunc) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	return f(ctx, audio, filename, language)
}

// OpenAI is the HTTP Provider.
type OpenAI struct {
	cfg  Config
	call connectivity.Handler
}

// NewOpenAI builds the provider with its middleware chain. client may be nil.
func NewOpenAI(cfg Config, client *http.Client, logger *slog.Logger) *OpenAI {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	call := connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.WithRetry(connectivity.RetryPolicy{
			Attempts: cfg.Attempts,
			Backoff:  connectivity.Linear(cfg.Backoff),
			Logger:   logger,
		}),
		connectivity.Logging(logger, "speech"),
		connectivity.Timeout(cfg.Timeout),
	)(connectivity.HTTP(client))
	return &OpenAI{cfg: cfg, call: call}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe implements Provider.
func (o *OpenAI) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	fw.Write(audio)
	mw.WriteField("model", o.cfg.Model)
	mw.WriteField("response_format", "json")
	if language != "" {
		mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	resp, err := o.call(ctx, &connectivity.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(o.cfg.BaseURL, "/") + "/audio/transcriptions",
		Header: http.Header{
			"Authorization": {"Bearer " + o.cfg.APIKey},
			"Content-Type":  {mw.FormDataContentType()},
		},
		Body: body.Bytes(),
	})
	if err != nil {
		if connectivity.IsTransient(err) {
			return "", fmt.Errorf("%w: %v", ErrTransientProvider, err)
		}
		return "", err
	}

	var tr transcriptionResponse
	if err := json.Unmarshal(resp, &tr); err != nil {
		return "", fmt.Errorf("speech: decode response: %w", err)
	}
	if strings.TrimSpace(tr.Text) == "" {
		return "", ErrUnrecognizedContent
	}
	return tr.Text, nil
}

// Worker transcribes chunks.
type Worker struct {
	provider Provider
	logger   *slog.Logger
}

// NewWorker returns a Worker using p.
func NewWorker(p Provider, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{provider: p, logger: logger}
}

// Transcribe runs one chunk through the provider. Fatal outcomes carry
// ErrFatalChunk; silence yields a placeholder spanning the chunk's range.
func (w *Worker) Transcribe(ctx context.Context, c chunk.Chunk, language string) Outcome {
	audio, err := os.ReadFile(c.Path)
	if err != nil {
		return Fatal(fmt.Errorf("read chunk %d: %w", c.Ordinal, err))
	}

	text, err := w.provider.Transcribe(ctx, audio, filepath.Base(c.Path), language)
	switch {
	case errors.Is(err, ErrUnrecognizedContent), err == nil && strings.TrimSpace(text) == "":
		w.logger.Debug("speech: no speech in chunk", "ordinal", c.Ordinal, "start_ms", c.Start, "end_ms", c.End)
		return Placeholder(c.Start, c.End)
	case err != nil:
		return Fatal(err)
	}
	return Ok(strings.TrimSpace(text))
}
