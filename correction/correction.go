// Package correction sends text chunks to an OpenAI-compatible chat
// completion endpoint for spelling and grammar correction.
//
// When the service is misconfigured (no key, a placeholder key or a key the
// provider refuses) or stays unreachable after retries, Correct returns a degraded result: the input
// prefixed with DegradedPrefix, zero tokens, Degraded set. Callers decide
// whether that is fatal.
package correction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/dastyar/connectivity"
)

// DegradedPrefix marks text that was not corrected.
const DegradedPrefix = "[AI Service Unavailable] "

// ErrProvider is returned for provider failures that are not a sign of
// unavailability (malformed response, rejected request).
var ErrProvider = errors.New("correction: provider error")

// DefaultSystemPrompt asks for a faithful correction only.
const DefaultSystemPrompt = "You are a meticulous editor. Correct spelling, punctuation and grammar of the user's text. " +
	"Keep the original language, meaning, line breaks and wording wherever possible. Reply with the corrected text only."

// Config configures the client.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  float64       `yaml:"temperature"`
	Attempts     int           `yaml:"attempts"`
	MinBackoff   time.Duration `yaml:"min_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	Timeout      time.Duration `yaml:"timeout"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Result is a corrected chunk.
type Result struct {
	Text     string
	Tokens   int
	Cost     float64 // Tokens times the price given to Correct
	Degraded bool
}

// Corrector corrects one piece of text.
type Corrector interface {
	Correct(ctx context.Context, text string, price float64) (Result, error)
}

// Client is the HTTP Corrector.
type Client struct {
	cfg    Config
	call   connectivity.Handler
	logger *slog.Logger
}

// New builds a Client. client may be nil.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	call := connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.WithRetry(connectivity.RetryPolicy{
			Attempts: cfg.Attempts,
			Backoff:  connectivity.Exponential(time.Second, cfg.MinBackoff, cfg.MaxBackoff),
			Logger:   logger,
		}),
		connectivity.WithCircuitBreaker(connectivity.NewCircuitBreaker(), "correction"),
		connectivity.Logging(logger, "correction"),
		connectivity.Timeout(cfg.Timeout),
	)(connectivity.HTTP(client))
	return &Client{cfg: cfg, call: call, logger: logger}
}

// Configured reports whether the API key looks usable.
func (c *Client) Configured() bool {
	k := strings.TrimSpace(c.cfg.APIKey)
	return k != "" && !strings.Contains(k, "YourActual") && !strings.HasPrefix(k, "changeme")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Degrade returns the degraded result for text.
func Degrade(text string) Result {
	return Result{Text: DegradedPrefix + text, Degraded: true}
}

// Correct implements Corrector.
func (c *Client) Correct(ctx context.Context, text string, price float64) (Result, error) {
	if !c.Configured() {
		c.logger.Warn("correction: api key missing or placeholder, returning degraded result")
		return Degrade(text), nil
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return Result{}, err
	}

	resp, err := c.call(ctx, &connectivity.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions",
		Header: http.Header{
			"Authorization": {"Bearer " + c.cfg.APIKey},
			"Content-Type":  {"application/json"},
		},
		Body: body,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var open *connectivity.ErrCircuitOpen
		if connectivity.IsTransient(err) || errors.As(err, &open) {
			c.logger.Warn("correction: provider unreachable, returning degraded result", "error", err)
			return Degrade(text), nil
		}
		var se *connectivity.StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			c.logger.Error("correction: api key refused, returning degraded result", "status", se.Code)
			return Degrade(text), nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	var cr chatResponse
	if err := json.Unmarshal(resp, &cr); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if len(cr.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty choices", ErrProvider)
	}
	out := strings.TrimSpace(cr.Choices[0].Message.Content)
	return Result{
		Text:   out,
		Tokens: cr.Usage.TotalTokens,
		Cost:   float64(cr.Usage.TotalTokens) * price,
	}, nil
}
