package shield

import (
	"context"
	"database/sql"
)

// Schema holds the shield tables:
//   - rate_limits: per-endpoint rules keyed "METHOD /path", or "*" for every
//     request not matched by a more specific rule
//   - maintenance: the single-row maintenance flag
//
// The seeded rules throttle uploads harder than reads. Writers bump
// updated_at (unix ms) so running processes reload.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1,
    updated_at     INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds) VALUES
    ('POST /v1/jobs', 20, 60),
    ('*', 300, 60);

CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT 'service under maintenance, retry later',
    updated_at INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO maintenance (id, active) VALUES (1, 0);
`

// Init creates the shield tables if they don't exist.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
