package taskrt

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/dastyar/vtq"
)

// Task status values.
const (
	StatusPending   = "pending"   // queued, waiting for a worker
	StatusWaiting   = "waiting"   // group callback, waiting for the barrier
	StatusRunning   = "running"   // claimed by a worker
	StatusSucceeded = "succeeded" // handler returned a result
	StatusFailed    = "failed"    // terminal failure
	StatusRevoked   = "revoked"   // cancelled through Revoke
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	root_id       TEXT NOT NULL,
	parent_id     TEXT,
	group_id      TEXT,
	member_index  INTEGER NOT NULL DEFAULT -1,
	awaits_group  TEXT,
	status        TEXT NOT NULL,
	payload       BLOB,
	result        BLOB,
	error         TEXT,
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	finished_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_root   ON tasks(root_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_group  ON tasks(group_id, member_index);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

CREATE TABLE IF NOT EXISTS task_groups (
	id           TEXT PRIMARY KEY,
	root_id      TEXT NOT NULL,
	parent_id    TEXT,
	total        INTEGER NOT NULL,
	settled      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	callback_id  TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
`

// Init creates the task tables and the underlying queue table.
func Init(ctx context.Context, db *sql.DB) error {
	if err := vtq.EnsureTable(ctx, db); err != nil {
		return fmt.Errorf("taskrt: queue schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("taskrt: schema: %w", err)
	}
	return nil
}
