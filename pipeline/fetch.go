package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/connectivity"
	"github.com/hazyhaar/dastyar/guard"
	"github.com/hazyhaar/dastyar/idgen"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/taskrt"
)

// Fetcher downloads the input file of jobs submitted by URL. Every hop and
// every dialed address goes through the guard checks.
type Fetcher struct {
	call     connectivity.Handler
	maxBytes int64
}

// NewFetcher returns a Fetcher refusing bodies above maxBytes.
func NewFetcher(cfg config.FetchConfig, maxBytes int64, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	client := guard.NewClient(guard.ClientOptions{
		Timeout:      cfg.Timeout,
		AllowPrivate: cfg.AllowPrivate,
		MaxRedirects: cfg.MaxRedirects,
	})
	call := connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.WithRetry(connectivity.RetryPolicy{
			Attempts: cfg.Attempts,
			Backoff:  connectivity.Exponential(time.Second, time.Second, 30*time.Second),
			Retryable: func(err error) bool {
				return !errors.Is(err, guard.ErrSSRF) && connectivity.IsTransient(err)
			},
			Logger: logger,
		}),
		connectivity.Logging(logger, "fetch"),
		connectivity.Timeout(cfg.Timeout),
	)(connectivity.HTTP(client))
	return &Fetcher{call: call, maxBytes: maxBytes}
}

var fetchName = idgen.NanoID(12)

// Fetch downloads rawURL into dir under a unique name ending in filename
// and returns the path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dir, filename string) (string, error) {
	body, err := f.call(ctx, &connectivity.Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		MaxBody: f.maxBytes,
	})
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", errors.New("empty response body")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fetchName()+"_"+filename)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// fetchInput downloads a URL-submitted job's file and hands the job to its
// root kind. A job that was canceled meanwhile, or whose input a previous
// delivery already attached, is left alone.
func (p *Pipeline) fetchInput(ctx context.Context, t *taskrt.Task) ([]byte, error) {
	var pl jobs.TaskPayload
	if err := decode(t, &pl); err != nil {
		return nil, err
	}
	j, err := p.Jobs.Get(ctx, pl.JobID)
	if err != nil {
		return nil, err
	}
	if j.Status != jobs.StatusQueued || j.InputPath != "" {
		return nil, nil
	}

	path, err := p.Fetcher.Fetch(ctx, j.SourceURL, p.cfg.UploadDir(), j.OriginalFilename)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		p.Logger.Warn("pipeline: fetch failed", "job_id", j.ID, "error", err)
		return nil, p.fail(ctx, j.ID, fmt.Sprintf("cannot fetch file_url: %v", err))
	}
	if err := p.Jobs.AttachInput(ctx, j.ID, path); err != nil {
		os.Remove(path)
		return nil, settled(err)
	}
	p.Logger.Info("pipeline: input fetched", "job_id", j.ID, "kind", j.Kind)
	return nil, nil
}
