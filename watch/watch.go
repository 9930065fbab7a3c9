// Package watch polls a SQLite table for a version change and runs a reload
// action once the change has settled. shield uses it to pick up rate-limit
// rules and the maintenance flag written by other processes.
//
//	w := watch.New(db, watch.Options{
//		Interval: 5 * time.Second,
//		Detector: watch.MaxColumnDetector("maintenance", "updated_at"),
//	})
//	go w.OnChange(ctx, mm.Reload)
package watch

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ErrNoDetector is returned by OnChange when Options.Detector is nil.
var ErrNoDetector = errors.New("watch: no change detector")

// ChangeDetector reads a version token. Two different values mean the
// watched data changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling period. Default 1s.
	Interval time.Duration
	// Debounce is the quiet period required after a change before the
	// action runs. Further changes restart it. 0 runs at once.
	Debounce time.Duration
	Detector ChangeDetector
	Logger   *slog.Logger
	// Name labels log lines.
	Name string
}

// Watcher runs an action when its detector reports a new version.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New returns a Watcher on db.
func New(db *sql.DB, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "watch"
	}
	return &Watcher{db: db, opts: opts}
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last version the action was run for.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange polls until ctx is cancelled and calls action for every settled
// change. A failed action leaves the version where it was, so the next
// poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func() error) error {
	if w.opts.Detector == nil {
		return ErrNoDetector
	}
	log := w.opts.Logger.With("watcher", w.opts.Name)

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending, hasPending := int64(0), false

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || (hasPending && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(log, action, pending)
				hasPending = false
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if hasPending {
				w.fire(log, action, pending)
				hasPending = false
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	log.Debug("watch: reloaded", "version", ver)
}

// MaxColumnDetector polls MAX(column) of table. Writers bump the column,
// typically an updated_at in unix milliseconds.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
