package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/chunk"
	"github.com/hazyhaar/dastyar/fanout"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/speech"
	"github.com/hazyhaar/dastyar/taskrt"
)

type transcribeItem struct {
	JobID    string      `json:"job_id"`
	Chunk    chunk.Chunk `json:"chunk"`
	Language string      `json:"language,omitempty"`
}

type correctItem struct {
	JobID   string  `json:"job_id"`
	Ordinal int     `json:"ordinal"`
	Text    string  `json:"text"`
	Price   float64 `json:"price"`
}

// settled drops the terminal race: the job was canceled or finished by
// another delivery, so there is nothing left to do.
func settled(err error) error {
	if errors.Is(err, jobs.ErrAlreadyTerminal) {
		return nil
	}
	return err
}

// begin moves the job to processing. It returns nil when the job is gone
// from the active states or this task already fanned out.
func (p *Pipeline) begin(ctx context.Context, t *taskrt.Task) (*jobs.Job, error) {
	var pl jobs.TaskPayload
	if err := decode(t, &pl); err != nil {
		return nil, err
	}
	j, err := p.Jobs.MarkProcessing(ctx, pl.JobID)
	if err != nil {
		return nil, settled(err)
	}
	dispatched, err := p.Runtime.HasChildren(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if dispatched {
		p.Logger.Debug("pipeline: redelivered after fan-out", "job_id", j.ID, "task_id", t.ID)
		return nil, nil
	}
	return j, nil
}

func (p *Pipeline) startAudio(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	j, err := p.begin(ctx, t)
	if j == nil || err != nil {
		return nil, err
	}

	m, err := chunk.Audio(j.InputPath, p.scratch(j.ID), p.cfg.Chunking.AudioDuration)
	if err != nil {
		p.removeScratch(j.ID)
		return nil, p.fail(ctx, j.ID, "cannot split audio: "+err.Error())
	}
	if err := p.Jobs.SetChunkTotal(ctx, j.ID, len(m.Chunks)); err != nil {
		return nil, err
	}
	p.record(observability.MetricChunksPerJob, float64(len(m.Chunks)), j.Kind)
	p.Logger.Info("pipeline: audio split", "job_id", j.ID, "chunks", len(m.Chunks), "duration_ms", m.DurationMs)

	if p.canceled(ctx, j.ID) {
		p.removeScratch(j.ID)
		return nil, nil
	}
	items := make([]transcribeItem, len(m.Chunks))
	for i, c := range m.Chunks {
		items[i] = transcribeItem{JobID: j.ID, Chunk: c, Language: j.Language}
	}
	_, err = fanout.Dispatch(ctx, p.Runtime, t, TaskTranscribe, items,
		taskrt.Spec{Kind: TaskTranscribed, Payload: t.Payload})
	return nil, err
}

func (p *Pipeline) transcribeChunk(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	var it transcribeItem
	if err := decode(t, &it); err != nil {
		return nil, err
	}
	part := fanout.Part{Ordinal: it.Chunk.Ordinal}
	if p.canceled(ctx, it.JobID) {
		part.Fatal, part.Err = true, "job no longer active"
		return json.Marshal(part)
	}
	out := p.Speech.Transcribe(ctx, it.Chunk, it.Language)
	switch out.Kind {
	case speech.KindFatal:
		part.Fatal, part.Err = true, out.Err.Error()
	default:
		part.Text = out.Text
	}
	return json.Marshal(part)
}

// transcribed runs once every transcription member settled.
func (p *Pipeline) transcribed(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	var pl jobs.TaskPayload
	if err := decode(t, &pl); err != nil {
		return nil, err
	}
	defer p.removeScratch(pl.JobID)
	j, err := p.Jobs.Get(ctx, pl.JobID)
	if err != nil {
		return nil, err
	}
	if jobs.IsTerminal(j.Status) {
		return nil, nil
	}

	c, err := fanout.Collect(ctx, p.Runtime, t.Awaits)
	if err != nil {
		return nil, err
	}
	sum, err := c.Merge()
	if err != nil {
		return nil, p.fail(ctx, j.ID, err.Error())
	}
	if !j.UseAI {
		_, err := p.Jobs.Finalize(ctx, j.ID, jobs.Outcome{Raw: sum.Text, Final: sum.Text})
		return nil, settled(err)
	}
	if err := p.Jobs.SaveRaw(ctx, j.ID, sum.Text); err != nil {
		return nil, settled(err)
	}
	dispatched, err := p.Runtime.HasChildren(ctx, t.ID)
	if err != nil || dispatched {
		return nil, err
	}
	return nil, p.dispatchCorrection(ctx, t, j, chunk.Text(sum.Text, p.cfg.Chunking.TextChars))
}

func (p *Pipeline) startText(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	j, err := p.begin(ctx, t)
	if j == nil || err != nil {
		return nil, err
	}
	doc, err := p.Reader.Extract(ctx, j.InputPath)
	if err != nil {
		return nil, p.fail(ctx, j.ID, "cannot read document: "+err.Error())
	}
	chunks := chunk.Text(doc.Text, p.cfg.Chunking.TextChars)
	if err := p.Jobs.SetChunkTotal(ctx, j.ID, len(chunks)); err != nil {
		return nil, err
	}
	p.record(observability.MetricChunksPerJob, float64(len(chunks)), j.Kind)
	p.Logger.Info("pipeline: text split", "job_id", j.ID, "chunks", len(chunks), "format", doc.Format, "rtl", doc.RTL)
	return nil, p.dispatchCorrection(ctx, t, j, chunks)
}

// dispatchCorrection checks that the wallet covers the worst case, then
// fans the chunks out to the corrector.
func (p *Pipeline) dispatchCorrection(ctx context.Context, t *taskrt.Task, j *jobs.Job, chunks []chunk.Chunk) error {
	reserve := len(chunks) * p.cfg.Billing.ReserveTokens
	if err := p.Accounts.CheckReserve(ctx, j.UserID, reserve); err != nil {
		if errors.Is(err, accounts.ErrInsufficientBalance) {
			return p.fail(ctx, j.ID, "insufficient balance for AI correction")
		}
		return err
	}
	u, err := p.Accounts.GetUser(ctx, j.UserID)
	if err != nil {
		return err
	}
	if p.canceled(ctx, j.ID) {
		return nil
	}
	items := make([]correctItem, len(chunks))
	for i, c := range chunks {
		items[i] = correctItem{JobID: j.ID, Ordinal: c.Ordinal, Text: c.Text, Price: u.TokenPrice}
	}
	_, err = fanout.Dispatch(ctx, p.Runtime, t, TaskCorrect, items,
		taskrt.Spec{Kind: TaskCorrected, Payload: t.Payload})
	return err
}

func (p *Pipeline) correctChunk(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	var it correctItem
	if err := decode(t, &it); err != nil {
		return nil, err
	}
	part := fanout.Part{Ordinal: it.Ordinal}
	if p.canceled(ctx, it.JobID) {
		part.Fatal, part.Err = true, "job no longer active"
		return json.Marshal(part)
	}
	res, err := p.Corrector.Correct(ctx, it.Text, it.Price)
	if err != nil {
		part.Fatal, part.Err = true, err.Error()
		return json.Marshal(part)
	}
	part.Text, part.Tokens, part.Degraded = res.Text, res.Tokens, res.Degraded
	return json.Marshal(part)
}

// corrected runs once every correction member settled.
func (p *Pipeline) corrected(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	var pl jobs.TaskPayload
	if err := decode(t, &pl); err != nil {
		return nil, err
	}
	j, err := p.Jobs.Get(ctx, pl.JobID)
	if err != nil {
		return nil, err
	}
	if jobs.IsTerminal(j.Status) {
		return nil, nil
	}

	c, err := fanout.Collect(ctx, p.Runtime, t.Awaits)
	if err != nil {
		return nil, err
	}
	sum, err := c.Merge()
	if err != nil {
		return nil, p.fail(ctx, j.ID, err.Error())
	}
	var raw string
	if j.RawText != nil {
		raw = *j.RawText
	}

	if sum.Degraded > 0 {
		p.record(observability.MetricDegradedChunks, float64(sum.Degraded), j.Kind)
		if j.Kind == jobs.KindText {
			return nil, p.fail(ctx, j.ID, fmt.Sprintf("AI service unavailable (%d of %d chunks)", sum.Degraded, c.Total()))
		}
		p.Logger.Warn("pipeline: correction unavailable, keeping raw transcript", "job_id", j.ID, "degraded", sum.Degraded)
		_, err := p.Jobs.Finalize(ctx, j.ID, jobs.Outcome{Raw: raw, Final: raw})
		return nil, settled(err)
	}

	out := jobs.Outcome{Raw: raw, AI: sum.Text, Final: sum.Text, Tokens: sum.Tokens, Corrected: true}
	_, err = p.Jobs.Finalize(ctx, j.ID, out)
	if errors.Is(err, accounts.ErrInsufficientBalance) {
		return nil, p.fail(ctx, j.ID, "insufficient balance to pay for correction")
	}
	return nil, settled(err)
}
