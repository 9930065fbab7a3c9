package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/guard"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/kit"
)

// Processing modes of a URL submission.
const (
	ModeTranscribeOnly = "transcribe_only"
	ModeTranscribeFix  = "transcribe_and_fix"
)

// urlSubmission is the JSON body of POST /v1/jobs for a file the service
// downloads itself.
type urlSubmission struct {
	FileURL     string `json:"file_url"`
	Language    string `json:"language"`
	Mode        string `json:"mode"`
	CallbackURL string `json:"callback_url"`
}

type urlQueued struct {
	JobID         string  `json:"job_id"`
	Status        string  `json:"status"`
	Mode          string  `json:"mode"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// submitURL queues a job whose input is fetched from file_url by a
// job.fetch task.
func (s *Server) submitURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(ctx)

	var req urlSubmission
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.FileURL = strings.TrimSpace(req.FileURL)
	if req.FileURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("file_url is required"))
		return
	}
	if err := guard.ValidateURL(req.FileURL, s.cfg.Fetch.AllowPrivate); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file_url: %w", err))
		return
	}
	name, err := urlFilename(req.FileURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := jobs.KindFor(name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Mode {
	case "":
		req.Mode = ModeTranscribeOnly
	case ModeTranscribeOnly, ModeTranscribeFix:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("mode must be %s or %s", ModeTranscribeOnly, ModeTranscribeFix))
		return
	}
	if req.Language = strings.TrimSpace(req.Language); req.Language == "" {
		req.Language = "fa"
	}
	callback := strings.TrimSpace(req.CallbackURL)
	if callback != "" {
		if err := guard.ValidateURL(callback, s.cfg.Webhook.AllowPrivate); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("callback_url: %w", err))
			return
		}
	}

	j, err := s.Jobs.Submit(ctx, jobs.Submission{
		UserID:           u.ID,
		OriginalFilename: name,
		SourceURL:        req.FileURL,
		Language:         req.Language,
		UseAI:            req.Mode == ModeTranscribeFix,
		CallbackURL:      callback,
		APIKeyID:         kit.GetAPIKeyID(ctx),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, urlQueued{
		JobID:         j.ID,
		Status:        j.Status,
		Mode:          req.Mode,
		EstimatedCost: s.estimatedCost(u, j),
	})
}

// estimatedCost is what the caller must hold before correction of a single
// chunk starts: the per-chunk token reserve at their current price. Raw
// transcription costs nothing. The chunk count is unknown until the file is
// fetched, so this is a floor.
func (s *Server) estimatedCost(u *accounts.User, j *jobs.Job) float64 {
	if !j.UseAI {
		return 0
	}
	return float64(s.cfg.Billing.ReserveTokens) * u.TokenPrice
}

// urlFilename is the last path segment of rawURL, which decides the job
// kind and names the download.
func urlFilename(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("file_url: %w", err)
	}
	name := path.Base(strings.ReplaceAll(u.Path, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "", errors.New("file_url has no file name")
	}
	return strings.ReplaceAll(name, " ", "_"), nil
}
