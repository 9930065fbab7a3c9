package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/watch"
)

const defaultMaintenanceMessage = "service under maintenance, retry later"

// MaintenanceMode answers 503 to every request while the flag in the
// maintenance table is set. The flag is cached in memory and reloaded
// periodically, so workers and other API processes sharing the database
// follow an operator's switch within seconds.
//
// A missing table or row means maintenance is off.
type MaintenanceMode struct {
	db      *sql.DB
	logger  *slog.Logger
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass maintenance (e.g. /health)
}

// NewMaintenanceMode reads the current flag. Paths matching any of
// excludePrefixes are never blocked.
func NewMaintenanceMode(db *sql.DB, logger *slog.Logger, excludePrefixes ...string) *MaintenanceMode {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MaintenanceMode{
		db:      db,
		logger:  logger,
		exclude: excludePrefixes,
	}
	m.message.Store(defaultMaintenanceMessage)
	m.reload()
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// Set persists the flag and applies it to this process at once. An empty
// message keeps the stored one.
func (m *MaintenanceMode) Set(ctx context.Context, active bool, message string) error {
	_, err := dbopen.Exec(ctx, m.db, `
		INSERT INTO maintenance (id, active, message, updated_at) VALUES (1, ?, COALESCE(NULLIF(?, ''), ?), ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at,
			message = COALESCE(NULLIF(?, ''), maintenance.message)`,
		active, message, defaultMaintenanceMessage, time.Now().UnixMilli(), message)
	if err != nil {
		return err
	}
	m.reload()
	return nil
}

// StartReloader watches the maintenance row until ctx is cancelled.
func (m *MaintenanceMode) StartReloader(ctx context.Context) *watch.Watcher {
	w := watch.New(m.db, watch.Options{
		Interval: 5 * time.Second,
		Detector: watch.MaxColumnDetector("maintenance", "updated_at"),
		Logger:   m.logger,
		Name:     "maintenance",
	})
	go w.OnChange(ctx, func() error { m.reload(); return nil })
	return w
}

func (m *MaintenanceMode) reload() {
	var active int
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		if m.active.Load() {
			m.logger.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.active.Store(false)
		return
	}

	was := m.active.Load()
	m.active.Store(active == 1)
	if message != "" {
		m.message.Store(message)
	}

	if active == 1 && !was {
		m.logger.Warn("maintenance: mode enabled", "message", message)
	} else if active != 1 && was {
		m.logger.Info("maintenance: mode disabled")
	}
}

// Middleware blocks requests with a JSON 503 while maintenance is active.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "300")
		writeError(w, http.StatusServiceUnavailable, m.Message())
	})
}
