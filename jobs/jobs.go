// Package jobs owns the job record and its state machine:
//
//	queued -> processing -> completed | failed | canceled
//
// Every job mutation goes through Manager. Transitions are compare-and-set
// on the status column, so a duplicate finalize or a late completion after
// cancellation is a no-op reported as ErrAlreadyTerminal. Terminal states
// only change through ForceStatus.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/chunk"
	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/docpipe"
	"github.com/hazyhaar/dastyar/idgen"
	"github.com/hazyhaar/dastyar/observability"
)

// Job kinds.
const (
	KindAudio = "audio"
	KindText  = "text"
)

// Job statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Root task kinds dispatched at submission.
const (
	TaskAudio = "job.audio"
	TaskText  = "job.text"
	// TaskFetch downloads the input of a job submitted by URL, then
	// dispatches TaskAudio or TaskText.
	TaskFetch = "job.fetch"
)

// Display name prefixes.
const (
	AIPrefix   = "(AI)"
	RawPrefix  = "(RAW)"
	TextPrefix = "(اصلاح متنی)"
)

// ValidStatus reports whether status is one of the job statuses.
func ValidStatus(status string) bool {
	switch status {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether status can no longer change on its own.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCanceled
}

// Job is the persisted job record.
type Job struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Kind             string     `json:"kind"`
	Status           string     `json:"status"`
	OriginalFilename string     `json:"original_filename"`
	DisplayFilename  string     `json:"display_filename"`
	Language         string     `json:"language,omitempty"`
	UseAI            bool       `json:"use_ai"`
	InputPath        string     `json:"-"`
	SourceURL        string     `json:"source_url,omitempty"`
	CallbackURL      string     `json:"callback_url,omitempty"`
	APIKeyID         string     `json:"-"`
	TaskHandle       string     `json:"task_handle,omitempty"`
	ChunkTotal       *int       `json:"chunk_total,omitempty"`
	RawText          *string    `json:"raw_result_text,omitempty"`
	AIText           *string    `json:"ai_result_text,omitempty"`
	FinalText        *string    `json:"final_result_text,omitempty"`
	TokenUsage       *int       `json:"token_usage"`
	OutputTXT        string     `json:"-"`
	OutputDOCX       string     `json:"-"`
	Error            string     `json:"error,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ProcessingSecs   *int       `json:"processing_seconds,omitempty"`
}

// HasArtifacts reports whether both output files were recorded.
func (j *Job) HasArtifacts() bool { return j.OutputTXT != "" && j.OutputDOCX != "" }

// TaskPayload is the payload of the root job tasks.
type TaskPayload struct {
	JobID string `json:"job_id"`
}

// Runtime is the part of the task runtime the manager drives.
type Runtime interface {
	DispatchTx(ctx context.Context, tx *sql.Tx, kind string, payload []byte) (string, error)
	Revoke(ctx context.Context, handle string) (int, error)
}

// Manager is the single writer of job records.
type Manager struct {
	db        *sql.DB
	accounts  *accounts.Store
	rt        Runtime
	outputDir string
	logger    *slog.Logger
	events    *observability.EventLogger
	metrics   *observability.MetricsManager
	audit     *observability.AuditLogger
	onFinish  []func(context.Context, *Job)
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithEvents records job lifecycle events.
func WithEvents(e *observability.EventLogger) Option { return func(m *Manager) { m.events = e } }

// WithMetrics records billing metrics.
func WithMetrics(mm *observability.MetricsManager) Option { return func(m *Manager) { m.metrics = mm } }

// WithAudit records ForceStatus overrides.
func WithAudit(a *observability.AuditLogger) Option { return func(m *Manager) { m.audit = a } }

// OnTerminal registers fn to run after a job reached completed, failed or
// canceled through this manager. ForceStatus does not trigger it.
func OnTerminal(fn func(ctx context.Context, j *Job)) Option {
	return func(m *Manager) { m.onFinish = append(m.onFinish, fn) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a Manager writing artifacts under outputDir.
func NewManager(db *sql.DB, acct *accounts.Store, rt Runtime, outputDir string, opts ...Option) *Manager {
	m := &Manager{
		db:        db,
		accounts:  acct,
		rt:        rt,
		outputDir: outputDir,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// KindFor returns the job kind for an upload name from its extension.
func KindFor(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case slices.Contains(chunk.AudioExtensions, ext):
		return KindAudio, nil
	case slices.Contains(docpipe.Extensions, ext):
		return KindText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// DisplayName prefixes the original name with the processing mode.
func DisplayName(kind string, useAI bool, original string) string {
	switch {
	case kind == KindText:
		return TextPrefix + " " + original
	case useAI:
		return AIPrefix + " " + original
	default:
		return RawPrefix + " " + original
	}
}

// Submission is a new job request. The input file must already be stored
// at InputPath, unless SourceURL is set: the job then starts with a
// TaskFetch that downloads it.
type Submission struct {
	UserID           string
	OriginalFilename string
	InputPath        string
	SourceURL        string
	Language         string
	UseAI            bool // ignored for text jobs, which always correct
	CallbackURL      string
	APIKeyID         string
}

// Submit checks the owner's daily quota, records the job as queued and
// dispatches its root task, all in one transaction: a job exists only
// with its task and its quota slot.
func (m *Manager) Submit(ctx context.Context, s Submission) (*Job, error) {
	kind, err := KindFor(s.OriginalFilename)
	if err != nil {
		return nil, err
	}
	useAI := s.UseAI || kind == KindText
	task := rootTask(kind)
	if s.SourceURL != "" {
		task = TaskFetch
		s.InputPath = ""
	}

	id := idgen.Job()
	payload, _ := json.Marshal(TaskPayload{JobID: id})
	err = dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.accounts.ConsumeQuotaTx(ctx, tx, s.UserID); err != nil {
			return err
		}
		handle, err := m.rt.DispatchTx(ctx, tx, task, payload)
		if err != nil {
			return fmt.Errorf("jobs: dispatch: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, user_id, kind, status, original_filename, display_filename,
				language, use_ai, input_path, source_url, callback_url, api_key_id, task_handle, submitted_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			id, s.UserID, kind, StatusQueued, s.OriginalFilename,
			DisplayName(kind, useAI, s.OriginalFilename), s.Language, useAI, s.InputPath,
			nullable(s.SourceURL), nullable(s.CallbackURL), nullable(s.APIKeyID), handle, m.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("jobs: insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("jobs: submitted", "job_id", id, "user_id", s.UserID, "kind", kind, "use_ai", useAI, "task", task)
	m.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: observability.EventJobSubmitted, EntityType: "job", EntityID: id,
		UserID: s.UserID, Action: "submit", Success: true,
		Details: map[string]any{"kind": kind, "filename": s.OriginalFilename, "use_ai": useAI},
	})
	return m.Get(ctx, id)
}

func rootTask(kind string) string {
	if kind == KindText {
		return TaskText
	}
	return TaskAudio
}

// AttachInput records the downloaded input of a URL-submitted job and
// dispatches its root task in the same transaction. A job that already has
// its input is left alone, so a redelivered fetch does not start the job
// twice; a job that left the queue returns ErrAlreadyTerminal.
func (m *Manager) AttachInput(ctx context.Context, id, path string) error {
	err := dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		var kind, status, input string
		err := tx.QueryRowContext(ctx, `SELECT kind, status, input_path FROM jobs WHERE id = ?`, id).
			Scan(&kind, &status, &input)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if status != StatusQueued {
			return fmt.Errorf("%w: job is %s", ErrAlreadyTerminal, status)
		}
		if input != "" {
			return errInputAttached
		}
		payload, _ := json.Marshal(TaskPayload{JobID: id})
		handle, err := m.rt.DispatchTx(ctx, tx, rootTask(kind), payload)
		if err != nil {
			return fmt.Errorf("jobs: dispatch: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET input_path = ?, task_handle = ? WHERE id = ?`, path, handle, id)
		return err
	})
	if errors.Is(err, errInputAttached) {
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("jobs: input attached", "job_id", id)
	return nil
}

var errInputAttached = errors.New("jobs: input already attached")

func (m *Manager) finished(ctx context.Context, j *Job) {
	for _, fn := range m.onFinish {
		fn(ctx, j)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const jobColumns = `id, user_id, kind, status, original_filename, display_filename, language,
	use_ai, input_path, COALESCE(source_url,''), COALESCE(callback_url,''), COALESCE(api_key_id,''), COALESCE(task_handle,''),
	chunk_total, raw_result_text, ai_result_text, final_result_text, token_usage,
	COALESCE(output_txt,''), COALESCE(output_docx,''), COALESCE(error,''),
	submitted_at, started_at, finished_at, processing_seconds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var chunks, tokens, secs, started, finished sql.NullInt64
	var raw, ai, final sql.NullString
	var submitted int64
	err := row.Scan(&j.ID, &j.UserID, &j.Kind, &j.Status, &j.OriginalFilename, &j.DisplayFilename,
		&j.Language, &j.UseAI, &j.InputPath, &j.SourceURL, &j.CallbackURL, &j.APIKeyID, &j.TaskHandle,
		&chunks, &raw, &ai, &final, &tokens,
		&j.OutputTXT, &j.OutputDOCX, &j.Error,
		&submitted, &started, &finished, &secs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.SubmittedAt = time.UnixMilli(submitted)
	j.ChunkTotal = intPtr(chunks)
	j.TokenUsage = intPtr(tokens)
	j.ProcessingSecs = intPtr(secs)
	j.RawText = strPtr(raw)
	j.AIText = strPtr(ai)
	j.FinalText = strPtr(final)
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return &j, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

// Get returns the job with id.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(m.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// GetFor returns the job if u owns it or is an admin. Other users get
// ErrJobNotFound, so job IDs cannot be guessed.
func (m *Manager) GetFor(ctx context.Context, id string, u *accounts.User) (*Job, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != u.ID && !u.IsAdmin() {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Status returns the current status of id. Workers call it before each
// expensive step to honour cancellation.
func (m *Manager) Status(ctx context.Context, id string) (string, error) {
	var st string
	err := m.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	return st, err
}

// Filter selects jobs for List.
type Filter struct {
	UserID string // empty lists every user (admin)
	Status string
	Limit  int
	Offset int
}

// List returns jobs newest first, and the total matching count.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Job, int, error) {
	where := " WHERE 1=1"
	var args []any
	if f.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("jobs: count: %w", err)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, max(f.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}
