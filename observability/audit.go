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

// AuditEntry is one operator action.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Operation string    `json:"operation"`
	Target    string    `json:"target,omitempty"`
	Params    string    `json:"parameters"`
	Status    string    `json:"status"` // success | error
	Error     string    `json:"error,omitempty"`
}

// AuditLogger records operator actions synchronously. Admin operations are
// rare, so there is no buffering.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// NewAuditLogger creates an audit logger on the observability database.
func NewAuditLogger(db *sql.DB, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{db: db, newID: idgen.Prefixed("aud_", idgen.UUIDv7()), logger: logger}
}

// Record stores the outcome of operation on target. opErr is the error the
// operation returned, if any. A nil *AuditLogger records nothing.
func (a *AuditLogger) Record(ctx context.Context, actor, operation, target string, params any, opErr error) {
	if a == nil {
		return
	}
	p := "{}"
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			p = string(b)
		}
	}
	status, msg := "success", sql.NullString{}
	if opErr != nil {
		status = "error"
		msg = sql.NullString{String: opErr.Error(), Valid: true}
	}
	_, err := a.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO audit_log (entry_id, timestamp, actor, operation, target, parameters, status, error_message)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.newID(), time.Now().Unix(), actor, operation, target, p, status, msg)
	if err != nil {
		a.logger.Error("observability: audit insert failed", "error", err, "operation", operation)
	}
}

// Query returns the latest entries for target (all targets when empty).
func (a *AuditLogger) Query(ctx context.Context, target string, limit int) ([]AuditEntry, error) {
	q := `SELECT entry_id, timestamp, actor, operation, COALESCE(target,''), parameters, status, COALESCE(error_message,'')
		FROM audit_log`
	var args []any
	if target != "" {
		q += " WHERE target = ?"
		args = append(args, target)
	}
	q += " ORDER BY timestamp DESC, rowid DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Operation, &e.Target, &e.Params, &e.Status, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
