// Package pipeline wires the job task kinds onto the task runtime.
//
// Audio job:
//
//	job.audio ─ split ─┬─ chunk.transcribe × N ─┐
//	                   └──── (barrier) ─────────┴─ job.transcribed
//	job.transcribed ─ [use_ai] ─┬─ chunk.correct × M ─┐
//	                            └──── (barrier) ──────┴─ job.corrected
//
// Text job:
//
//	job.text ─ extract, split ─┬─ chunk.correct × M ─┐
//	                           └──── (barrier) ──────┴─ job.corrected
//
// Jobs submitted by URL start with job.fetch, which downloads the file and
// dispatches job.audio or job.text.
//
// Job-level handlers report expected failures through jobs.Manager.Fail and
// return nil. Anything else they return, a panic or a hard time limit fails
// the task, and the give-up hook fails the job.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/correction"
	"github.com/hazyhaar/dastyar/docpipe"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/speech"
	"github.com/hazyhaar/dastyar/taskrt"
)

// Task kinds besides the jobs.TaskAudio and jobs.TaskText roots.
const (
	TaskTranscribe  = "chunk.transcribe"
	TaskTranscribed = "job.transcribed"
	TaskCorrect     = "chunk.correct"
	TaskCorrected   = "job.corrected"
)

// Runtime is the part of the task runtime the pipeline uses.
type Runtime interface {
	Register(name string, h taskrt.Handler, opts taskrt.Options)
	DispatchGroup(ctx context.Context, parent *taskrt.Task, members []taskrt.Spec, callback taskrt.Spec) (string, error)
	GroupResults(ctx context.Context, groupID string) ([]taskrt.MemberResult, error)
	HasChildren(ctx context.Context, id string) (bool, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Runtime   Runtime
	Jobs      *jobs.Manager
	Accounts  *accounts.Store
	Speech    *speech.Worker
	Corrector correction.Corrector
	Reader    *docpipe.Reader
	Fetcher   *Fetcher // nil builds one from the fetch config
	Metrics   *observability.MetricsManager
	Logger    *slog.Logger
}

// Pipeline runs jobs.
type Pipeline struct {
	cfg *config.Config
	Deps
}

// New returns a Pipeline. Call Register before the runtime runs.
func New(cfg *config.Config, d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Fetcher == nil {
		d.Fetcher = NewFetcher(cfg.Fetch, cfg.MaxUploadBytes(), d.Logger)
	}
	return &Pipeline{cfg: cfg, Deps: d}
}

// Register declares every pipeline kind with its limits.
func (p *Pipeline) Register() {
	t := p.cfg.Tasks
	job := func(l config.Limits) taskrt.Options {
		return taskrt.Options{
			Soft: l.Soft, Hard: l.Hard, MaxAttempts: t.MaxAttempts,
			Concurrency: t.JobConcurrency, OnGiveUp: p.giveUp,
		}
	}
	member := taskrt.Options{
		Soft: t.Chunk.Soft, Hard: t.Chunk.Hard, MaxAttempts: t.MaxAttempts,
		Concurrency: t.ChunkConcurrency,
	}
	p.Runtime.Register(jobs.TaskAudio, p.startAudio, job(t.Audio))
	p.Runtime.Register(jobs.TaskText, p.startText, job(t.Text))
	p.Runtime.Register(jobs.TaskFetch, p.fetchInput, job(t.Audio))
	p.Runtime.Register(TaskTranscribe, p.transcribeChunk, member)
	p.Runtime.Register(TaskCorrect, p.correctChunk, member)
	p.Runtime.Register(TaskTranscribed, p.transcribed, job(t.Text))
	p.Runtime.Register(TaskCorrected, p.corrected, job(t.Text))
}

// giveUp is the last-resort cleanup of job-level kinds.
func (p *Pipeline) giveUp(ctx context.Context, t *taskrt.Task, cause error) {
	var pl jobs.TaskPayload
	if err := json.Unmarshal(t.Payload, &pl); err != nil || pl.JobID == "" {
		p.Logger.Error("pipeline: give-up without job id", "task_id", t.ID, "kind", t.Kind)
		return
	}
	p.removeScratch(pl.JobID)
	reason := "internal error: " + cause.Error()
	if errors.Is(cause, taskrt.ErrHardTimeLimit) {
		reason = "timed out"
	}
	if _, err := p.Jobs.Fail(ctx, pl.JobID, reason); err != nil && !errors.Is(err, jobs.ErrAlreadyTerminal) {
		p.Logger.Error("pipeline: fail after give-up", "job_id", pl.JobID, "error", err)
	}
}

func (p *Pipeline) scratch(jobID string) string {
	return filepath.Join(p.cfg.ScratchDir(), jobID)
}

func (p *Pipeline) removeScratch(jobID string) {
	if err := os.RemoveAll(p.scratch(jobID)); err != nil {
		p.Logger.Warn("pipeline: remove scratch", "job_id", jobID, "error", err)
	}
}

// fail marks the job failed and swallows the terminal race.
func (p *Pipeline) fail(ctx context.Context, jobID, reason string) error {
	_, err := p.Jobs.Fail(ctx, jobID, reason)
	if errors.Is(err, jobs.ErrAlreadyTerminal) {
		return nil
	}
	return err
}

// canceled reports whether jobID stopped being worth working on.
func (p *Pipeline) canceled(ctx context.Context, jobID string) bool {
	st, err := p.Jobs.Status(ctx, jobID)
	return err == nil && jobs.IsTerminal(st)
}

func (p *Pipeline) record(name string, v float64, kind string) {
	p.Metrics.Record(&observability.Metric{
		Name: name, Timestamp: time.Now(), Value: v,
		Labels: map[string]string{"kind": kind}, Unit: "count",
	})
}

func decode(t *taskrt.Task, v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return errors.New("pipeline: bad payload for " + t.Kind + ": " + err.Error())
	}
	return nil
}
