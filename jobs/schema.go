package jobs

import (
	"context"
	"database/sql"
)

// Schema is the jobs table. Text columns stay NULL until the matching step
// produced them; token_usage is NULL when no correction was billed.
// input_path is empty while a URL-submitted job waits for its download.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    user_id            TEXT NOT NULL REFERENCES users(id),
    kind               TEXT NOT NULL CHECK(kind IN ('audio','text')),
    status             TEXT NOT NULL DEFAULT 'queued'
                       CHECK(status IN ('queued','processing','completed','failed','canceled')),
    original_filename  TEXT NOT NULL,
    display_filename   TEXT NOT NULL,
    language           TEXT NOT NULL DEFAULT '',
    use_ai             INTEGER NOT NULL DEFAULT 0,
    input_path         TEXT NOT NULL,
    source_url         TEXT,
    callback_url       TEXT,
    api_key_id         TEXT,
    task_handle        TEXT,
    chunk_total        INTEGER,
    raw_result_text    TEXT,
    ai_result_text     TEXT,
    final_result_text  TEXT,
    token_usage        INTEGER,
    output_txt         TEXT,
    output_docx        TEXT,
    error              TEXT,
    submitted_at       INTEGER NOT NULL,
    started_at         INTEGER,
    finished_at        INTEGER,
    processing_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, submitted_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, submitted_at);
`

// Init applies the jobs schema. The accounts schema must exist first.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
