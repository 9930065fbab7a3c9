package taskrt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/vtq"
)

// execute is the vtq handler shared by every kind.
func (r *Runtime) execute(ctx context.Context, k *kind, m *vtq.Message) (vtq.Result, error) {
	t, err := r.claim(ctx, m)
	if err != nil {
		return vtq.Result{}, err
	}
	if t == nil {
		// Revoked or already settled: drop the message.
		return vtq.Result{}, nil
	}

	start := r.now()
	res, herr := r.invoke(ctx, k, t)

	if herr != nil && ctx.Err() != nil {
		// Worker shutting down. Leave the task running; the message comes
		// back after its visibility window or on the next Nack.
		return vtq.Result{}, herr
	}

	var retry *RetryError
	if errors.As(herr, &retry) && t.Attempt < k.opts.MaxAttempts {
		if err := r.reschedule(context.WithoutCancel(ctx), t.ID); err != nil {
			return vtq.Result{}, err
		}
		r.logger.Info("taskrt: task retry scheduled",
			"task_id", t.ID, "kind", t.Kind, "attempt", t.Attempt, "after", retry.After, "error", retry.Err)
		return vtq.Result{Retry: true, RetryAfter: retry.After}, nil
	}

	r.settle(context.WithoutCancel(ctx), k, t, res, herr, start)
	return vtq.Result{}, nil
}

// claim moves the task to running and loads it. It returns nil when the
// task is no longer runnable.
func (r *Runtime) claim(ctx context.Context, m *vtq.Message) (*Task, error) {
	t := &Task{ID: m.ID, Attempt: m.Attempts}
	var parent, group, awaits sql.NullString
	err := r.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = ?, attempts = ?, started_at = ?
		WHERE id = ? AND status IN (?, ?)
		RETURNING kind, root_id, parent_id, group_id, member_index, awaits_group, payload`,
		StatusRunning, m.Attempts, r.now().UnixMilli(), m.ID, StatusPending, StatusRunning,
	).Scan(&t.Kind, &t.Root, &parent, &group, &t.Index, &awaits, &t.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskrt: claim %s: %w", m.ID, err)
	}
	t.Parent, t.Group, t.Awaits = parent.String, group.String, awaits.String
	return t, nil
}

func (r *Runtime) reschedule(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, r.db,
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		StatusPending, id, StatusRunning)
	return err
}

type outcome struct {
	res []byte
	err error
}

// invoke runs the handler under the soft deadline, the revocation watcher
// and the hard limit. On hard limit the handler goroutine is abandoned.
func (r *Runtime) invoke(ctx context.Context, k *kind, t *Task) ([]byte, error) {
	softCtx, cancelSoft := context.WithTimeout(ctx, k.opts.Soft)
	defer cancelSoft()
	hctx, cancel := context.WithCancelCause(softCtx)
	defer cancel(nil)

	stop := r.watchRevocation(hctx, t.ID, cancel)
	defer stop()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, p)}
			}
		}()
		res, err := k.handler(hctx, t)
		done <- outcome{res: res, err: err}
	}()

	hard := time.NewTimer(k.opts.Hard)
	defer hard.Stop()
	select {
	case o := <-done:
		return o.res, o.err
	case <-hard.C:
		cancel(ErrHardTimeLimit)
		r.logger.Error("taskrt: hard time limit exceeded, abandoning handler",
			"task_id", t.ID, "kind", t.Kind, "limit", k.opts.Hard)
		return nil, ErrHardTimeLimit
	}
}

func (r *Runtime) watchRevocation(ctx context.Context, id string, cancel context.CancelCauseFunc) func() {
	quit := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.revokePoll)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				var status string
				err := r.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
				if err == nil && status == StatusRevoked {
					cancel(ErrRevoked)
					return
				}
			}
		}
	}()
	return func() { close(quit) }
}

// settle records the task outcome. The status compare-and-set makes a
// second settle of the same task a no-op, so group counters and callbacks
// move exactly once per member.
func (r *Runtime) settle(ctx context.Context, k *kind, t *Task, res []byte, herr error, start time.Time) {
	status, errText := StatusSucceeded, ""
	if herr != nil {
		status, errText = StatusFailed, herr.Error()
	}

	var applied bool
	var fired string
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		applied, fired = false, ""
		out, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, error = ?, finished_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			status, res, nullable(errText), r.now().UnixMilli(), t.ID, StatusPending, StatusRunning)
		if err != nil {
			return err
		}
		if n, _ := out.RowsAffected(); n == 0 {
			return nil
		}
		applied = true
		if t.Group == "" {
			return nil
		}
		fired, err = r.arrive(ctx, tx, t.Group, herr != nil)
		return err
	})
	if err != nil {
		r.logger.Error("taskrt: settle failed", "task_id", t.ID, "kind", t.Kind, "error", err)
		return
	}
	if !applied {
		r.logger.Debug("taskrt: duplicate or revoked settle ignored", "task_id", t.ID, "kind", t.Kind)
		return
	}

	if r.observer != nil {
		r.observer(t.Kind, status, r.now().Sub(start))
	}
	if fired != "" {
		r.logger.Debug("taskrt: group barrier reached", "group", t.Group, "callback", fired)
	}
	if herr != nil {
		r.logger.Warn("taskrt: task failed", "task_id", t.ID, "kind", t.Kind, "attempt", t.Attempt, "error", herr)
		if k.opts.OnGiveUp != nil {
			k.opts.OnGiveUp(ctx, t, herr)
		}
	}
}

// arrive counts one settled member and makes the callback runnable when the
// last member arrives. It returns the callback ID when it fired.
func (r *Runtime) arrive(ctx context.Context, tx *sql.Tx, groupID string, failed bool) (string, error) {
	inc := 0
	if failed {
		inc = 1
	}
	var settled, total int
	var cbID string
	err := tx.QueryRowContext(ctx, `
		UPDATE task_groups SET settled = settled + 1, failed = failed + ?
		WHERE id = ?
		RETURNING settled, total, callback_id`, inc, groupID,
	).Scan(&settled, &total, &cbID)
	if err != nil {
		return "", fmt.Errorf("taskrt: group %s: %w", groupID, err)
	}
	if settled != total {
		return "", nil
	}

	var cbKind string
	err = tx.QueryRowContext(ctx, `
		UPDATE tasks SET status = ? WHERE id = ? AND status = ?
		RETURNING kind`, StatusPending, cbID, StatusWaiting,
	).Scan(&cbKind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil // callback revoked
	}
	if err != nil {
		return "", err
	}
	return cbID, r.publishTx(ctx, tx, cbKind, cbID)
}

// discard handles a message that exceeded MaxAttempts through crash
// redelivery: the task fails terminally.
func (r *Runtime) discard(ctx context.Context, k *kind, m *vtq.Message) {
	t, err := r.claim(ctx, m)
	if err != nil || t == nil {
		return
	}
	cause := fmt.Errorf("taskrt: gave up after %d deliveries", m.Attempts-1)
	r.settle(context.WithoutCancel(ctx), k, t, nil, cause, r.now())
}
