package accounts

import (
	"context"
	"database/sql"
)

// Schema holds users, their API keys and the wallet ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    username        TEXT NOT NULL UNIQUE,
    email           TEXT NOT NULL DEFAULT '',
    role            TEXT NOT NULL DEFAULT 'customer' CHECK(role IN ('admin','customer')),
    file_limit      INTEGER NOT NULL DEFAULT 5,
    daily_count     INTEGER NOT NULL DEFAULT 0,
    last_count_date TEXT NOT NULL DEFAULT '',
    balance         REAL NOT NULL DEFAULT 0,
    token_price     REAL NOT NULL DEFAULT 10,
    active          INTEGER NOT NULL DEFAULT 1,
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id),
    name         TEXT NOT NULL DEFAULT '',
    secret_hash  TEXT NOT NULL,
    active       INTEGER NOT NULL DEFAULT 1,
    total_calls  INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    last_used_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);

CREATE TABLE IF NOT EXISTS transactions (
    id                         TEXT PRIMARY KEY,
    user_id                    TEXT NOT NULL REFERENCES users(id),
    job_id                     TEXT,
    amount                     REAL NOT NULL,
    tokens                     INTEGER NOT NULL DEFAULT 0,
    token_price_at_transaction REAL,
    balance_after              REAL NOT NULL,
    description                TEXT NOT NULL,
    created_at                 INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
-- At most one charge per job.
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_job_debit
    ON transactions(job_id) WHERE job_id IS NOT NULL AND amount < 0;
`

// Init applies the accounts schema.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
