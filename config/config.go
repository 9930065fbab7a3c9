// Package config loads the dastyar YAML configuration. A Config is built
// once in main and passed down explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/dastyar/correction"
	"github.com/hazyhaar/dastyar/guard"
	"github.com/hazyhaar/dastyar/speech"
)

// Config is the full configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	ObsDBPath   string `yaml:"observability_db_path"`
	DataDir     string `yaml:"data_dir"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
	// Timezone decides when the daily submission quota rolls over.
	Timezone string `yaml:"timezone"`
	// WorkerID names this process in heartbeats.
	WorkerID string `yaml:"worker_id"`

	Log        LogConfig         `yaml:"log"`
	Chunking   ChunkingConfig    `yaml:"chunking"`
	Speech     speech.Config     `yaml:"speech"`
	Correction correction.Config `yaml:"correction"`
	Billing    BillingConfig     `yaml:"billing"`
	Tasks      TasksConfig       `yaml:"tasks"`
	Webhook    WebhookConfig     `yaml:"webhook"`
	Fetch      FetchConfig       `yaml:"fetch"`
	Sweeper    SweeperConfig     `yaml:"sweeper"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// ChunkingConfig sets chunk sizes.
type ChunkingConfig struct {
	TextChars     int           `yaml:"text_chars"`
	AudioDuration time.Duration `yaml:"audio_duration"`
}

// BillingConfig configures wallet defaults.
type BillingConfig struct {
	DefaultTokenPrice float64 `yaml:"default_token_price"`
	DefaultFileLimit  int     `yaml:"default_file_limit"`
	// ReserveTokens is the worst-case token count per chunk checked against
	// the balance before AI correction starts.
	ReserveTokens int `yaml:"reserve_tokens"`
}

// Limits is a soft/hard time limit pair.
type Limits struct {
	Soft time.Duration `yaml:"soft"`
	Hard time.Duration `yaml:"hard"`
}

// TasksConfig configures the task runtime.
type TasksConfig struct {
	Audio            Limits        `yaml:"audio"`
	Text             Limits        `yaml:"text"`
	Chunk            Limits        `yaml:"chunk"`
	MaxAttempts      int           `yaml:"max_attempts"`
	JobConcurrency   int           `yaml:"job_concurrency"`
	ChunkConcurrency int           `yaml:"chunk_concurrency"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// WebhookConfig configures completion callbacks.
type WebhookConfig struct {
	Secret   string        `yaml:"secret"`
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
	// AllowPrivate permits callback URLs on private networks (tests, LAN).
	AllowPrivate bool `yaml:"allow_private"`
}

// FetchConfig configures the download of jobs submitted by file_url.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Attempts     int           `yaml:"attempts"`
	MaxRedirects int           `yaml:"max_redirects"`
	// AllowPrivate permits file URLs on private networks (tests, LAN).
	AllowPrivate bool `yaml:"allow_private"`
}

// SweeperConfig configures the maintenance loop.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	// StuckAfter fails processing jobs this long after they started.
	StuckAfter time.Duration `yaml:"stuck_after"`
	// QueuedAfter fails jobs that never left the queue this long after
	// submission.
	QueuedAfter       time.Duration `yaml:"queued_after"`
	ScratchRetention  time.Duration `yaml:"scratch_retention"`
	TaskRetention     time.Duration `yaml:"task_retention"`
	ObservabilityDays int           `yaml:"observability_days"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:      ":8080",
		DBPath:      "data/dastyar.db",
		ObsDBPath:   "data/observability.db",
		DataDir:     "data",
		MaxUploadMB: 200,
		Timezone:    "Asia/Tehran",
		Log:         LogConfig{Level: "info"},
		Chunking: ChunkingConfig{
			TextChars:     2500,
			AudioDuration: 50 * time.Second,
		},
		Billing: BillingConfig{
			DefaultTokenPrice: 10,
			DefaultFileLimit:  5,
			ReserveTokens:     200,
		},
		Tasks: TasksConfig{
			Audio:            Limits{Soft: 25 * time.Minute, Hard: 30 * time.Minute},
			Text:             Limits{Soft: 9 * time.Minute, Hard: 10 * time.Minute},
			Chunk:            Limits{Soft: 5 * time.Minute, Hard: 6 * time.Minute},
			MaxAttempts:      3,
			JobConcurrency:   2,
			ChunkConcurrency: 4,
			PollInterval:     500 * time.Millisecond,
		},
		Webhook: WebhookConfig{Attempts: 5, Timeout: 15 * time.Second},
		Fetch:   FetchConfig{Timeout: 10 * time.Minute, Attempts: 3, MaxRedirects: 5},
		Sweeper: SweeperConfig{
			Interval:          5 * time.Minute,
			StuckAfter:        2 * time.Hour,
			QueuedAfter:       24 * time.Hour,
			ScratchRetention:  24 * time.Hour,
			TaskRetention:     7 * 24 * time.Hour,
			ObservabilityDays: 30,
		},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides
// and validates. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DASTYAR_LLM_API_KEY"); v != "" {
		c.Correction.APIKey = v
	}
	if v := os.Getenv("DASTYAR_SPEECH_API_KEY"); v != "" {
		c.Speech.APIKey = v
	}
	if v := os.Getenv("DASTYAR_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: use debug, info, warn or error", c.Log.Level)
	}
	if c.Chunking.TextChars <= 0 {
		return fmt.Errorf("chunking.text_chars must be > 0")
	}
	if c.Chunking.AudioDuration < time.Second {
		return fmt.Errorf("chunking.audio_duration must be >= 1s")
	}
	if c.Billing.DefaultTokenPrice < 0 {
		return fmt.Errorf("billing.default_token_price must be >= 0")
	}
	if c.Billing.DefaultFileLimit <= 0 {
		return fmt.Errorf("billing.default_file_limit must be > 0")
	}
	if c.Webhook.Secret != "" {
		if err := guard.ValidateSecret([]byte(c.Webhook.Secret)); err != nil {
			return fmt.Errorf("webhook.secret: %w", err)
		}
	}
	if c.Fetch.Timeout <= 0 || c.Fetch.Attempts <= 0 {
		return fmt.Errorf("fetch: timeout and attempts must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Sweeper.StuckAfter <= c.Tasks.Audio.Hard {
		return fmt.Errorf("sweeper.stuck_after must exceed tasks.audio.hard")
	}
	if c.Sweeper.QueuedAfter < c.Sweeper.StuckAfter {
		return fmt.Errorf("sweeper.queued_after must be >= sweeper.stuck_after")
	}
	for name, l := range map[string]Limits{"audio": c.Tasks.Audio, "text": c.Tasks.Text, "chunk": c.Tasks.Chunk} {
		if l.Soft <= 0 || l.Hard <= l.Soft {
			return fmt.Errorf("tasks.%s: need 0 < soft < hard, got %s/%s", name, l.Soft, l.Hard)
		}
	}
	return nil
}

// Location returns the quota timezone. Validate has checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }

// UploadDir holds submitted input files.
func (c *Config) UploadDir() string { return filepath.Join(c.DataDir, "uploads") }

// ScratchDir holds per-job chunk files.
func (c *Config) ScratchDir() string { return filepath.Join(c.DataDir, "scratch") }

// OutputDir holds the .txt and .docx artifacts.
func (c *Config) OutputDir() string { return filepath.Join(c.DataDir, "outputs") }
