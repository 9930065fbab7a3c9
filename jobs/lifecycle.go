package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/docpipe"
	"github.com/hazyhaar/dastyar/idgen"
	"github.com/hazyhaar/dastyar/observability"
)

// casMiss explains why a guarded update touched no row.
func (m *Manager) casMiss(ctx context.Context, id string) (*Job, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return j, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, j.Status)
}

// MarkProcessing moves a queued job to processing. A job already
// processing is returned unchanged, which makes task redelivery harmless.
func (m *Manager) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	res, err := dbopen.Exec(ctx, m.db,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusProcessing, m.now().UnixMilli(), id, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("jobs: mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		m.events.LogEvent(ctx, observability.BusinessEvent{
			EventType: observability.EventJobProcessing, EntityType: "job", EntityID: id,
			Action: "start", Success: true,
		})
		return m.Get(ctx, id)
	}
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusProcessing {
		return j, nil
	}
	return j, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, j.Status)
}

// SetChunkTotal records how many chunks the job was split into.
func (m *Manager) SetChunkTotal(ctx context.Context, id string, n int) error {
	_, err := dbopen.Exec(ctx, m.db,
		`UPDATE jobs SET chunk_total = ? WHERE id = ? AND status = ?`, n, id, StatusProcessing)
	return err
}

// SaveRaw stores the raw transcript while the job is still processing,
// before correction starts.
func (m *Manager) SaveRaw(ctx context.Context, id, raw string) error {
	res, err := dbopen.Exec(ctx, m.db,
		`UPDATE jobs SET raw_result_text = ? WHERE id = ? AND status = ?`, raw, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("jobs: save raw: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := m.casMiss(ctx, id)
		return err
	}
	return nil
}

// Outcome is what a successful pipeline hands to Finalize.
type Outcome struct {
	Raw   string // raw transcript; empty for text jobs
	AI    string // corrected text; empty when no correction applied
	Final string
	// Tokens is the billable token count. It is charged at the owner's
	// current price when positive. Corrected marks that AI correction ran
	// and sets token_usage even when Tokens is zero.
	Tokens    int
	Corrected bool
}

// Finalize completes a job: it stores the texts, writes the .txt and .docx
// artifacts from Final, charges the wallet when tokens were used and stamps
// the completion time, in that order and atomically with respect to the
// status. A job that is no longer queued or processing is left untouched
// and ErrAlreadyTerminal is returned; no charge happens in that case.
// ErrInsufficientBalance leaves the job processing for the caller to fail.
func (m *Manager) Finalize(ctx context.Context, id string, out Outcome) (*Job, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(j.Status) {
		return j, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, j.Status)
	}

	txtPath, docxPath := m.artifactPaths(j)
	staged, err := stageArtifacts(txtPath, docxPath, out.Final)
	if err != nil {
		return nil, err
	}
	defer staged.discard()

	now := m.now()
	begun := j.SubmittedAt
	if j.StartedAt != nil {
		begun = *j.StartedAt
	}
	secs := int(now.Sub(begun).Seconds())
	var tokens any
	if out.Corrected {
		tokens = out.Tokens
	}

	err = dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, raw_result_text = COALESCE(?, raw_result_text),
				ai_result_text = ?, final_result_text = ?, token_usage = ?,
				output_txt = ?, output_docx = ?, finished_at = ?, processing_seconds = ?, error = NULL
			WHERE id = ? AND status IN (?, ?)`,
			StatusCompleted, nullable(out.Raw), nullable(out.AI), out.Final, tokens,
			txtPath, docxPath, now.UnixMilli(), secs,
			id, StatusQueued, StatusProcessing)
		if err != nil {
			return fmt.Errorf("jobs: complete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyTerminal
		}
		if out.Tokens > 0 {
			desc := "correction: " + j.OriginalFilename
			if _, err := m.accounts.ChargeJobTx(ctx, tx, j.UserID, id, out.Tokens, desc); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		return m.casMiss(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if err := staged.commit(); err != nil {
		// The record is committed; the download handler reports the
		// missing file.
		m.logger.Error("jobs: publish artifacts", "job_id", id, "error", err)
	}

	m.logger.Info("jobs: completed", "job_id", id, "tokens", out.Tokens, "seconds", secs)
	m.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: observability.EventJobCompleted, EntityType: "job", EntityID: id, UserID: j.UserID,
		Action: "finalize", Success: true, Details: map[string]any{"tokens": out.Tokens, "seconds": secs},
	})
	if out.Tokens > 0 {
		m.events.LogEvent(ctx, observability.BusinessEvent{
			EventType: observability.EventWalletDebit, EntityType: "user", EntityID: j.UserID, UserID: j.UserID,
			Action: "charge", Success: true, Details: map[string]any{"job_id": id, "tokens": out.Tokens},
		})
		m.metrics.Record(&observability.Metric{
			Name: observability.MetricTokensBilled, Timestamp: now, Value: float64(out.Tokens),
			Labels: map[string]string{"kind": j.Kind}, Unit: "count",
		})
		if j.APIKeyID != "" {
			if err := m.accounts.AddKeyTokens(ctx, j.APIKeyID, out.Tokens); err != nil {
				m.logger.Warn("jobs: key token counter", "job_id", id, "error", err)
			}
		}
	}
	done, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.finished(ctx, done)
	return done, nil
}

// Fail moves a job to failed with reason. Nothing is billed and no
// artifact is written.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*Job, error) {
	now := m.now()
	res, err := dbopen.Exec(ctx, m.db, `
		UPDATE jobs SET status = ?, error = ?, finished_at = ?,
			processing_seconds = (? - COALESCE(started_at, submitted_at)) / 1000
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, reason, now.UnixMilli(), now.UnixMilli(), id, StatusQueued, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("jobs: fail: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return m.casMiss(ctx, id)
	}
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.Warn("jobs: failed", "job_id", id, "reason", reason)
	m.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: observability.EventJobFailed, EntityType: "job", EntityID: id, UserID: j.UserID,
		Action: "fail", Success: false, Details: map[string]string{"reason": reason},
	})
	m.finished(ctx, j)
	return j, nil
}

// Cancel revokes the job's task tree and marks it canceled. Cancelling a
// job that already reached a terminal state returns it unchanged and no
// error. Revocation is best-effort: a handler that finishes anyway finds
// the job canceled and its completion is discarded.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(j.Status) {
		return j, nil
	}
	if j.TaskHandle != "" {
		if n, err := m.rt.Revoke(ctx, j.TaskHandle); err != nil {
			m.logger.Warn("jobs: revoke failed", "job_id", id, "handle", j.TaskHandle, "error", err)
		} else {
			m.logger.Debug("jobs: revoked", "job_id", id, "tasks", n)
		}
	}
	now := m.now()
	res, err := dbopen.Exec(ctx, m.db, `
		UPDATE jobs SET status = ?, finished_at = ?,
			processing_seconds = (? - COALESCE(started_at, submitted_at)) / 1000
		WHERE id = ? AND status IN (?, ?)`,
		StatusCanceled, now.UnixMilli(), now.UnixMilli(), id, StatusQueued, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("jobs: cancel: %w", err)
	}
	canceled := false
	if n, _ := res.RowsAffected(); n == 1 {
		canceled = true
		m.logger.Info("jobs: canceled", "job_id", id)
		m.events.LogEvent(ctx, observability.BusinessEvent{
			EventType: observability.EventJobCancelled, EntityType: "job", EntityID: id, UserID: j.UserID,
			Action: "cancel", Success: true,
		})
	}
	j, err = m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if canceled {
		m.finished(ctx, j)
	}
	return j, nil
}

// ForceStatus sets status regardless of the state machine. It is the
// operator override for records left inconsistent by an outage, and the
// only way out of a terminal state.
func (m *Manager) ForceStatus(ctx context.Context, id, status, actor string) (*Job, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var finished any
	if IsTerminal(status) {
		finished = m.now().UnixMilli()
	}
	res, err := dbopen.Exec(ctx, m.db,
		`UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?`, status, finished, id)
	if err == nil {
		if n, _ := res.RowsAffected(); n == 0 {
			err = ErrJobNotFound
		}
	}
	m.audit.Record(ctx, actor, "job.force_status", id, map[string]string{"status": status}, err)
	if err != nil {
		return nil, err
	}
	m.logger.Warn("jobs: status forced", "job_id", id, "status", status, "actor", actor)
	return m.Get(ctx, id)
}

// StuckCutoff bounds how long a job may stay active. A processing job is
// stuck once it started before StartedBefore. A queued job is stuck once it
// was submitted before QueuedBefore, which is set well past any normal
// backlog.
type StuckCutoff struct {
	StartedBefore time.Time
	QueuedBefore  time.Time
}

// FailStuck fails every job past its cutoff, revoking its tasks first. It
// returns the ids of the jobs it failed.
func (m *Manager) FailStuck(ctx context.Context, c StuckCutoff) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, COALESCE(task_handle, '') FROM jobs
		WHERE (status = ? AND COALESCE(started_at, submitted_at) < ?)
		   OR (status = ? AND submitted_at < ?)`,
		StatusProcessing, c.StartedBefore.UnixMilli(),
		StatusQueued, c.QueuedBefore.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("jobs: find stuck: %w", err)
	}
	type stuck struct{ id, handle string }
	var found []stuck
	for rows.Next() {
		var s stuck
		if err := rows.Scan(&s.id, &s.handle); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var failed []string
	for _, s := range found {
		if s.handle != "" {
			if _, err := m.rt.Revoke(ctx, s.handle); err != nil {
				m.logger.Warn("jobs: revoke stuck", "job_id", s.id, "error", err)
			}
		}
		if _, err := m.Fail(ctx, s.id, "timed out: no progress before the hard limit"); err != nil {
			if errors.Is(err, ErrAlreadyTerminal) {
				continue
			}
			return failed, err
		}
		failed = append(failed, s.id)
	}
	return failed, nil
}

// artifactPaths names the outputs "<job id>_<original base>.{txt,docx}".
func (m *Manager) artifactPaths(j *Job) (string, string) {
	base := strings.TrimSuffix(filepath.Base(j.OriginalFilename), filepath.Ext(j.OriginalFilename))
	base = sanitize(base)
	stem := filepath.Join(m.outputDir, j.ID+"_"+base)
	return stem + ".txt", stem + ".docx"
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
	if r := []rune(s); len(r) > 80 {
		s = string(r[:80])
	}
	if s == "" || s == "." || s == ".." {
		s = "output"
	}
	return s
}

// staged holds artifacts written under temporary names until the job
// record commits.
type staged struct {
	pairs [][2]string // temp, final
}

// stageSuffix keeps concurrent Finalize calls on one job from sharing
// temporary files.
var stageSuffix = idgen.NanoID(10)

func stageArtifacts(txtPath, docxPath, text string) (*staged, error) {
	if err := os.MkdirAll(filepath.Dir(txtPath), 0o755); err != nil {
		return nil, fmt.Errorf("jobs: output dir: %w", err)
	}
	s := &staged{}
	suffix := "." + stageSuffix() + ".partial"
	txtTmp := txtPath + suffix
	if err := os.WriteFile(txtTmp, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("jobs: write txt: %w", err)
	}
	s.pairs = append(s.pairs, [2]string{txtTmp, txtPath})
	docxTmp := docxPath + suffix
	if err := docpipe.WriteDOCX(docxTmp, text); err != nil {
		s.discard()
		return nil, fmt.Errorf("jobs: write docx: %w", err)
	}
	s.pairs = append(s.pairs, [2]string{docxTmp, docxPath})
	return s, nil
}

func (s *staged) commit() error {
	for _, p := range s.pairs {
		if err := os.Rename(p[0], p[1]); err != nil {
			return err
		}
	}
	s.pairs = nil
	return nil
}

// discard removes whatever commit did not publish.
func (s *staged) discard() {
	for _, p := range s.pairs {
		os.Remove(p[0])
	}
}
