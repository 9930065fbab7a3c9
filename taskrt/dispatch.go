package taskrt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/idgen"
	"github.com/hazyhaar/dastyar/vtq"
)

// Spec describes a task to dispatch.
type Spec struct {
	Kind    string
	Payload []byte
}

type taskRow struct {
	id, kind, root, parent, group, awaits string
	index                                 int
	status                                string
	payload                               []byte
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Runtime) insert(ctx context.Context, tx *sql.Tx, t taskRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, root_id, parent_id, group_id, member_index, awaits_group, status, payload, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.id, t.kind, t.root, nullable(t.parent), nullable(t.group), t.index,
		nullable(t.awaits), t.status, t.payload, r.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("taskrt: insert task %s: %w", t.kind, err)
	}
	if t.status == StatusPending {
		return r.publishTx(ctx, tx, t.kind, t.id)
	}
	return nil
}

// The queue message carries no payload; the task row is the source of truth.
func (r *Runtime) publishTx(ctx context.Context, tx *sql.Tx, kindName, id string) error {
	q := vtq.New(r.db, vtq.Options{Queue: kindName})
	if err := q.PublishTx(ctx, tx, id, nil, 0); err != nil {
		return fmt.Errorf("taskrt: publish %s: %w", id, err)
	}
	return nil
}

// Dispatch enqueues a root task and returns its handle.
func (r *Runtime) Dispatch(ctx context.Context, kindName string, payload []byte) (string, error) {
	var id string
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		id, err = r.DispatchTx(ctx, tx, kindName, payload)
		return err
	})
	return id, err
}

// DispatchTx is Dispatch inside the caller's transaction: the task only
// exists if the transaction commits.
func (r *Runtime) DispatchTx(ctx context.Context, tx *sql.Tx, kindName string, payload []byte) (string, error) {
	if _, err := r.lookup(kindName); err != nil {
		return "", err
	}
	id := idgen.Task()
	err := r.insert(ctx, tx, taskRow{
		id: id, kind: kindName, root: id, index: -1,
		status: StatusPending, payload: payload,
	})
	return id, err
}

// DispatchGroup enqueues members as one group under parent and a callback
// task that becomes runnable once every member settled. The callback
// receives the group ID in Task.Awaits; GroupResults reads the outcomes.
// With zero members the callback is runnable immediately.
func (r *Runtime) DispatchGroup(ctx context.Context, parent *Task, members []Spec, callback Spec) (string, error) {
	for _, m := range append([]Spec{callback}, members...) {
		if _, err := r.lookup(m.Kind); err != nil {
			return "", err
		}
	}
	gid := idgen.Group()
	cbID := idgen.Task()
	root := parent.Root
	if root == "" {
		root = parent.ID
	}

	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		var rootStatus string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, root).Scan(&rootStatus)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if rootStatus == StatusRevoked {
			return ErrRevoked
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_groups (id, root_id, parent_id, total, callback_id, created_at)
			VALUES (?,?,?,?,?,?)`,
			gid, root, parent.ID, len(members), cbID, r.now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("taskrt: insert group: %w", err)
		}
		for i, m := range members {
			if err := r.insert(ctx, tx, taskRow{
				id: idgen.Task(), kind: m.Kind, root: root, parent: parent.ID,
				group: gid, index: i, status: StatusPending, payload: m.Payload,
			}); err != nil {
				return err
			}
		}
		status := StatusWaiting
		if len(members) == 0 {
			status = StatusPending
		}
		return r.insert(ctx, tx, taskRow{
			id: cbID, kind: callback.Kind, root: root, parent: parent.ID,
			awaits: gid, index: -1, status: status, payload: callback.Payload,
		})
	})
	if err != nil {
		return "", err
	}
	r.logger.Debug("taskrt: group dispatched", "group", gid, "members", len(members), "callback", callback.Kind, "root", root)
	return gid, nil
}

// Revoke cancels handle and every unfinished task sharing it as root.
// Queued messages are removed; running handlers are cancelled by their
// revocation watcher. It returns the number of tasks revoked. Revoking an
// unknown or finished handle is not an error.
func (r *Runtime) Revoke(ctx context.Context, handle string) (int, error) {
	var n int
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		n = 0
		rows, err := tx.QueryContext(ctx, `
			UPDATE tasks SET status = ?, finished_at = ?
			WHERE (id = ? OR root_id = ?) AND status IN (?,?,?)
			RETURNING id`,
			StatusRevoked, r.now().UnixMilli(), handle, handle,
			StatusPending, StatusWaiting, StatusRunning,
		)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := vtq.Delete(ctx, tx, id); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	if err == nil && n > 0 {
		r.logger.Info("taskrt: revoked", "handle", handle, "tasks", n)
	}
	return n, err
}

// MemberResult is the settled outcome of one group member.
type MemberResult struct {
	Index  int
	Status string
	Result []byte
	Error  string
}

// GroupResults returns the member outcomes of a group ordered by index.
func (r *Runtime) GroupResults(ctx context.Context, groupID string) ([]MemberResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT member_index, status, result, COALESCE(error, '')
		FROM tasks WHERE group_id = ? ORDER BY member_index`, groupID)
	if err != nil {
		return nil, fmt.Errorf("taskrt: group results: %w", err)
	}
	defer rows.Close()

	var out []MemberResult
	for rows.Next() {
		var m MemberResult
		if err := rows.Scan(&m.Index, &m.Status, &m.Result, &m.Error); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HasChildren reports whether task id already dispatched a group. Handlers
// use it to stay idempotent across redelivery.
func (r *Runtime) HasChildren(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM task_groups WHERE parent_id = ?)`, id).Scan(&ok)
	return ok, err
}

// Info is the stored state of a task.
type Info struct {
	ID         string
	Kind       string
	Root       string
	Status     string
	Error      string
	Attempts   int
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Get returns the stored state of a task.
func (r *Runtime) Get(ctx context.Context, id string) (*Info, error) {
	var in Info
	var created int64
	var finished sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, kind, root_id, status, COALESCE(error, ''), attempts, created_at, finished_at
		FROM tasks WHERE id = ?`, id,
	).Scan(&in.ID, &in.Kind, &in.Root, &in.Status, &in.Error, &in.Attempts, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	in.CreatedAt = time.UnixMilli(created)
	if finished.Valid {
		in.FinishedAt = time.UnixMilli(finished.Int64)
	}
	return &in, nil
}

// Prune deletes finished tasks older than before, then groups with no
// remaining tasks.
func (r *Runtime) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, r.db, `
		DELETE FROM tasks WHERE status IN (?,?,?) AND finished_at < ?`,
		StatusSucceeded, StatusFailed, StatusRevoked, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("taskrt: prune tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := dbopen.Exec(ctx, r.db, `
		DELETE FROM task_groups WHERE created_at < ? AND NOT EXISTS (
			SELECT 1 FROM tasks WHERE tasks.group_id = task_groups.id OR tasks.awaits_group = task_groups.id
		)`, before.UnixMilli()); err != nil {
		return n, fmt.Errorf("taskrt: prune groups: %w", err)
	}
	return n, nil
}
