package shield

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/watch"
)

// ErrInvalidRule is returned by SetRule for an empty endpoint or a
// non-positive limit.
var ErrInvalidRule = errors.New("shield: invalid rate limit rule")

// CatchAll is the rule endpoint applied to requests without their own rule.
const CatchAll = "*"

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests   int  `json:"max_requests"`
	WindowSeconds int  `json:"window_seconds"`
	Enabled       bool `json:"enabled"`
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window limiter per client IP and endpoint, with
// rules read from the rate_limits table. Endpoints are "METHOD /path" with
// the literal path, so routes carrying IDs fall under the catch-all rule.
type RateLimiter struct {
	db      *sql.DB
	logger  *slog.Logger
	rules   map[string]RateLimitConfig
	buckets sync.Map
	mu      sync.RWMutex
	exclude []string // path prefixes excluded from rate limiting
	now     func() time.Time
}

// NewRateLimiter loads the rules from db. Call StartReloader to pick up
// rule changes and collect expired buckets.
func NewRateLimiter(db *sql.DB, logger *slog.Logger, excludePrefixes ...string) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		db:      db,
		logger:  logger,
		rules:   make(map[string]RateLimitConfig),
		exclude: excludePrefixes,
		now:     time.Now,
	}
	rl.reload()
	return rl
}

// StartReloader watches the rule table and collects expired buckets every
// 5 minutes until ctx is cancelled.
func (rl *RateLimiter) StartReloader(ctx context.Context) *watch.Watcher {
	w := watch.New(rl.db, watch.Options{
		Interval: 10 * time.Second,
		Debounce: time.Second,
		Detector: watch.MaxColumnDetector("rate_limits", "updated_at"),
		Logger:   rl.logger,
		Name:     "ratelimit",
	})
	go w.OnChange(ctx, func() error { rl.reload(); return nil })
	go func() {
		gcTick := time.NewTicker(5 * time.Minute)
		defer gcTick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
	return w
}

// SetRule creates or replaces the rule for endpoint and applies it here at
// once. Other processes pick it up through their watcher.
func (rl *RateLimiter) SetRule(ctx context.Context, endpoint string, cfg RateLimitConfig) error {
	if endpoint == "" || cfg.MaxRequests <= 0 || cfg.WindowSeconds <= 0 {
		return ErrInvalidRule
	}
	_, err := dbopen.Exec(ctx, rl.db, `
		INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(endpoint) DO UPDATE SET max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds, enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		endpoint, cfg.MaxRequests, cfg.WindowSeconds, cfg.Enabled, rl.now().UnixMilli())
	if err != nil {
		return err
	}
	rl.reload()
	return nil
}

// Rules returns a copy of the loaded rules.
func (rl *RateLimiter) Rules() map[string]RateLimitConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make(map[string]RateLimitConfig, len(rl.rules))
	for k, v := range rl.rules {
		out[k] = v
	}
	return out
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		rl.logger.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()

	rl.logger.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// rule returns the rule for endpoint and the key its bucket is counted
// under.
func (rl *RateLimiter) rule(endpoint string) (RateLimitConfig, string, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if cfg, ok := rl.rules[endpoint]; ok {
		return cfg, endpoint, true
	}
	cfg, ok := rl.rules[CatchAll]
	return cfg, CatchAll, ok
}

func (rl *RateLimiter) allow(ip, endpoint string) (bool, RateLimitConfig) {
	cfg, name, ok := rl.rule(endpoint)
	if !ok || !cfg.Enabled {
		return true, cfg
	}

	now := rl.now()
	window := time.Duration(cfg.WindowSeconds) * time.Second
	val, _ := rl.buckets.LoadOrStore(ip+" "+name, &bucket{resetAt: now.Add(window)})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(window)
	}
	b.count++
	return b.count <= cfg.MaxRequests, cfg
}

// Middleware answers 429 with a JSON error once the client's window is full.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		ok, cfg := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(cfg.WindowSeconds))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
