package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/dastyar/idgen"
)

// Event types.
const (
	EventJobSubmitted   = "job.submitted"
	EventJobProcessing  = "job.processing"
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventJobCancelled   = "job.cancelled"
	EventWalletDebit    = "wallet.debit"
	EventWalletCredit   = "wallet.credit"
	EventWebhookSent    = "webhook.sent"
	EventWebhookDropped = "webhook.dropped"
)

// BusinessEvent is a domain-level event.
type BusinessEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	UserID     string
	Action     string
	Details    any // marshalled to JSON when non-nil
	Success    bool
}

// EventLogger writes business events. A nil *EventLogger is valid and
// records nothing, so packages can take one unconditionally.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// NewEventLogger creates a logger backed by the observability database.
func NewEventLogger(db *sql.DB, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{db: db, newID: idgen.Prefixed("evt_", idgen.UUIDv7()), logger: logger}
}

// LogEvent records ev. Failures are logged, never returned: a broken
// observability store must not fail a job.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	if l == nil {
		return
	}
	var details sql.NullString
	if ev.Details != nil {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, err := l.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO business_event_logs (
			event_id, event_type, entity_type, entity_id, user_id,
			action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, ev.EntityType, ev.EntityID, ev.UserID,
		ev.Action, details, ev.Success, time.Now().Unix())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", ev.EventType)
	}
}

// Event is a recorded BusinessEvent as read back by Events.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// Events returns the events recorded for entityID, oldest first.
func (l *EventLogger) Events(ctx context.Context, entityID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, event_type, action, COALESCE(details, ''), success, created_at
		FROM business_event_logs WHERE entity_id = ?
		ORDER BY created_at, rowid`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Action, &e.Details, &e.Success, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero keeps rows.
type RetentionConfig struct {
	EventLogsDays  int
	HeartbeatsDays int
	MetricsDays    int
	AuditDays      int
	RunVacuumAfter bool
}

// Cleanup deletes rows older than the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// Table and column names come from this fixed list only.
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"business_event_logs", "created_at", cfg.EventLogsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
		{"audit_log", "timestamp", cfg.AuditDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
