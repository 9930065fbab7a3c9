package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/dastyar/guard"
	"github.com/hazyhaar/dastyar/idgen"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/kit"
	"github.com/hazyhaar/dastyar/observability"
)

// JobView is a job as returned to clients, with what it was charged.
type JobView struct {
	*jobs.Job
	Charged *float64 `json:"charged"`
}

func (s *Server) view(ctx context.Context, j *jobs.Job) (*JobView, error) {
	v := &JobView{Job: j}
	if j.Status != jobs.StatusCompleted {
		return v, nil
	}
	t, err := s.Accounts.JobCharge(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if t != nil {
		amount := -t.Amount
		v.Charged = &amount
	}
	return v, nil
}

var uploadName = idgen.NanoID(12)

// storeUpload copies the file to the upload directory under a unique name.
func (s *Server) storeUpload(src io.Reader, filename string) (string, int64, error) {
	dir := s.cfg.UploadDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, uploadName()+"_"+strings.ReplaceAll(filename, " ", "_"))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

// submitJob accepts a multipart upload: file, language (audio), use_ai,
// callback_url. A JSON body goes to submitURL instead.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		s.submitURL(w, r)
		return
	}
	ctx := r.Context()
	u := userFrom(ctx)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d MB", s.cfg.MaxUploadMB))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("file is required"))
		return
	}
	defer file.Close()

	name := filepath.Base(strings.ReplaceAll(hdr.Filename, `\`, "/"))
	kind, err := jobs.KindFor(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	language := strings.TrimSpace(r.FormValue("language"))
	if kind == jobs.KindAudio && language == "" {
		writeError(w, http.StatusBadRequest, errors.New("language is required for audio jobs"))
		return
	}
	useAI := false
	if v := r.FormValue("use_ai"); v != "" {
		if useAI, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("use_ai: %w", err))
			return
		}
	}
	callback := strings.TrimSpace(r.FormValue("callback_url"))
	if callback != "" {
		if err := guard.ValidateURL(callback, s.cfg.Webhook.AllowPrivate); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("callback_url: %w", err))
			return
		}
	}

	path, size, err := s.storeUpload(file, name)
	if err != nil {
		s.fail(w, r, fmt.Errorf("store upload: %w", err))
		return
	}
	j, err := s.Jobs.Submit(ctx, jobs.Submission{
		UserID:           u.ID,
		OriginalFilename: name,
		InputPath:        path,
		Language:         language,
		UseAI:            useAI,
		CallbackURL:      callback,
		APIKeyID:         kit.GetAPIKeyID(ctx),
	})
	if err != nil {
		os.Remove(path)
		s.fail(w, r, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.Record(&observability.Metric{
			Name: observability.MetricUploadBytes, Value: float64(size), Unit: "bytes",
			Labels: map[string]string{"kind": kind},
		})
	}
	v, err := s.view(ctx, j)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJobList(w, r, userFrom(r.Context()).ID)
}

func (s *Server) writeJobList(w http.ResponseWriter, r *http.Request, userID string) {
	status := r.URL.Query().Get("status")
	if status != "" && !jobs.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, jobs.ErrInvalidStatus)
		return
	}
	list, total, err := s.Jobs.List(r.Context(), jobs.Filter{
		UserID: userID,
		Status: status,
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "total": total})
}

// jobFor loads the job in the path for the caller: owners see their jobs,
// admins see every job, anyone else gets ErrJobNotFound.
func (s *Server) jobFor(r *http.Request) (*jobs.Job, error) {
	id := chi.URLParam(r, "jobID")
	if idgen.Validate("job_", id) != nil {
		return nil, jobs.ErrJobNotFound
	}
	return s.Jobs.GetFor(r.Context(), id, userFrom(r.Context()))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobFor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.view(r.Context(), j)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobFor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	j, err = s.Jobs.Cancel(r.Context(), j.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

var downloadTypes = map[string]string{
	"txt":  "text/plain; charset=utf-8",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	ctype, ok := downloadTypes[format]
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("format must be txt or docx"))
		return
	}
	j, err := s.jobFor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if j.Status != jobs.StatusCompleted || !j.HasArtifacts() {
		writeError(w, http.StatusConflict, fmt.Errorf("job is %s, no artifact available", j.Status))
		return
	}
	src := j.OutputTXT
	if format == "docx" {
		src = j.OutputDOCX
	}
	path, err := guard.Contained(s.cfg.OutputDir(), src)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusGone, errors.New("artifact no longer on disk"))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	base := strings.TrimSuffix(j.OriginalFilename, filepath.Ext(j.OriginalFilename))
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": base + "." + format}))
	http.ServeContent(w, r, "", st.ModTime(), f)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers authenticate with an API key, not a cookie, so a foreign
	// origin gains nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// watch streams the job as JSON messages on a websocket: once at connect,
// then on every status change, and closes after the terminal state.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobFor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	defer conn.Close()

	// Reads only serve to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	tick := time.NewTicker(s.watchEvery)
	defer tick.Stop()
	last := ""
	for {
		if j.Status != last {
			v, err := s.view(ctx, j)
			if err != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
			last = j.Status
		}
		if jobs.IsTerminal(j.Status) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, j.Status),
				time.Now().Add(time.Second))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-tick.C:
		}
		if j, err = s.Jobs.Get(ctx, j.ID); err != nil {
			return
		}
	}
}
