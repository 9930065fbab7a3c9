// Package vtq is a visibility-timeout queue stored in SQLite.
//
// A claimed message becomes invisible for Options.Visibility. A consumer that
// finishes acks (deletes) it; a consumer that crashes simply stops extending
// it and the message reappears for another worker process. Any number of
// processes sharing the database file can consume the same queue.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_messages (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix ms
//	    created_at  INTEGER NOT NULL,            -- unix ms
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Message is a row in the queue.
type Message struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name; several queues share one table.
	Queue string
	// Visibility is how long a claimed message stays hidden. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim rounds in Consume. Default: 500ms.
	PollInterval time.Duration
	// MaxAttempts bounds redeliveries. 0 means unlimited.
	MaxAttempts int
	// OnDiscard is called (before deletion) for a message that exceeded
	// MaxAttempts. The task runtime uses it to record a terminal failure.
	OnDiscard func(ctx context.Context, m *Message)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is a handle on one logical queue.
type Q struct {
	db   *sql.DB
	opts Options
}

// New returns a queue handle. EnsureTable must have run once on db.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Name returns the logical queue name.
func (q *Q) Name() string { return q.opts.Queue }

// Schema is the DDL for the shared message table.
const Schema = `
CREATE TABLE IF NOT EXISTS vtq_messages (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_messages (queue, visible_at);
`

// EnsureTable creates the message table if needed.
func EnsureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish enqueues a message that becomes visible after delay.
func (q *Q) Publish(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	return q.publish(ctx, q.db, id, payload, delay)
}

// PublishTx enqueues inside the caller's transaction so that the message
// only exists if the surrounding state change commits.
func (q *Q) PublishTx(ctx context.Context, tx *sql.Tx, id string, payload []byte, delay time.Duration) error {
	return q.publish(ctx, tx, id, payload, delay)
}

func (q *Q) publish(ctx context.Context, ex execer, id string, payload []byte, delay time.Duration) error {
	now := time.Now()
	_, err := ex.ExecContext(ctx,
		`INSERT INTO vtq_messages (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	return err
}

// Claim hides the oldest visible message and returns it, or nil when the
// queue has nothing visible.
func (q *Q) Claim(ctx context.Context) (*Message, error) {
	msgs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// BatchClaim hides up to n visible messages in one statement. It returns an
// empty, non-nil slice when nothing is visible.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Message, error) {
	now := time.Now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE vtq_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM vtq_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var m Message
		var visAt, creAt int64
		if err := rows.Scan(&m.ID, &m.Queue, &m.Payload, &visAt, &creAt, &m.Attempts); err != nil {
			return nil, err
		}
		m.VisibleAt = time.UnixMilli(visAt)
		m.CreatedAt = time.UnixMilli(creAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// Ack deletes a processed message.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_messages WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a message visible again after delay.
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_messages SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(delay).UnixMilli(), id, q.opts.Queue)
	return err
}

// Extend keeps a claimed message hidden for another extra duration.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_messages SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), id, q.opts.Queue)
	return err
}

// Delete removes a message regardless of its visibility. It reports whether a
// row was removed. Revocation of a task that no worker holds goes through here.
func Delete(ctx context.Context, ex execer, id string) (bool, error) {
	res, err := ex.ExecContext(ctx, `DELETE FROM vtq_messages WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Len counts messages in the queue, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_messages WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Result tells Consume what to do with a handled message.
type Result struct {
	// Retry re-queues the message after RetryAfter instead of acking it.
	Retry      bool
	RetryAfter time.Duration
}

// Handler processes a claimed message. A non-nil error re-queues the message
// immediately (crash-like semantics); otherwise Result decides.
type Handler func(ctx context.Context, m *Message) (Result, error)

// ErrStopped is returned by Consume when ctx ends.
var ErrStopped = errors.New("vtq: consumer stopped")

// Consume claims messages in batches and runs handler with at most
// concurrency in flight. It blocks until ctx is cancelled and drains
// in-flight handlers before returning ErrStopped.
func (q *Q) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	log := q.opts.Logger
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue,
		"concurrency", concurrency,
		"visibility", q.opts.Visibility,
	)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return ErrStopped
		case <-ticker.C:
		}

		free := concurrency - len(sem)
		if free <= 0 {
			continue
		}
		msgs, err := q.BatchClaim(ctx, free)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("vtq: claim failed", "queue", q.opts.Queue, "error", err)
			}
			continue
		}

		for _, m := range msgs {
			if q.opts.MaxAttempts > 0 && m.Attempts > q.opts.MaxAttempts {
				log.Warn("vtq: message exceeded max attempts, discarding",
					"id", m.ID, "attempts", m.Attempts, "queue", q.opts.Queue)
				if q.opts.OnDiscard != nil {
					q.opts.OnDiscard(ctx, m)
				}
				_ = q.Ack(context.Background(), m.ID)
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(m *Message) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, m, handler)
			}(m)
		}
	}
}

func (q *Q) handle(ctx context.Context, m *Message, handler Handler) {
	bg := context.Background()
	res, err := handler(ctx, m)
	switch {
	case err != nil:
		q.opts.Logger.Warn("vtq: handler failed, requeueing", "id", m.ID, "queue", q.opts.Queue, "error", err)
		_ = q.Nack(bg, m.ID, 0)
	case res.Retry:
		_ = q.Nack(bg, m.ID, res.RetryAfter)
	default:
		_ = q.Ack(bg, m.ID)
	}
}
