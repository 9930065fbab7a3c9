package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/connectivity"
	"github.com/hazyhaar/dastyar/guard"
	"github.com/hazyhaar/dastyar/jobs"
)

func (e *env) submitURL(t *testing.T, name, url string) *jobs.Job {
	t.Helper()
	j, err := e.jobs.Submit(context.Background(), jobs.Submission{
		UserID: e.user.ID, OriginalFilename: name, SourceURL: url, Language: "fa",
	})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

// WHAT: a job submitted by URL downloads its file, then runs the audio
// pipeline to completion.
// WHY: this is the external submission path end to end.
func TestURLJob_FetchedAndTranscribed(t *testing.T) {
	audio, err := os.ReadFile(writeAudio(t, 140))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(audio)
	}))
	defer srv.Close()

	e := newEnv(t, scripted(""), upper{}, 0)
	j := e.submitURL(t, "talk.wav", srv.URL+"/media/talk.wav")
	if j.InputPath != "" || j.SourceURL == "" {
		t.Fatalf("job = %+v", j)
	}

	done := e.wait(t, j.ID)
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s (%s)", done.Status, done.Error)
	}
	if *done.RawText != wantRaw {
		t.Fatalf("raw = %q", *done.RawText)
	}
	if filepath.Dir(done.InputPath) != e.cfg.UploadDir() || !strings.HasSuffix(done.InputPath, "_talk.wav") {
		t.Fatalf("input_path = %q", done.InputPath)
	}
}

func TestURLJob_FetchFailureFailsJob(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e := newEnv(t, scripted(""), upper{}, 0)
	j := e.submitURL(t, "gone.mp3", srv.URL+"/gone.mp3")

	done := e.wait(t, j.ID)
	if done.Status != jobs.StatusFailed || !strings.Contains(done.Error, "cannot fetch file_url") ||
		!strings.Contains(done.Error, "404") {
		t.Fatalf("status = %s (%s)", done.Status, done.Error)
	}
	entries, _ := os.ReadDir(e.cfg.UploadDir())
	if len(entries) != 0 {
		t.Fatalf("uploads left behind: %v", entries)
	}
}

func TestFetcher_Limits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()
	dir := t.TempDir()
	cfg := config.FetchConfig{Timeout: 5 * time.Second, Attempts: 1, AllowPrivate: true}

	if _, err := NewFetcher(cfg, 10, quiet()).Fetch(context.Background(), srv.URL+"/a.txt", dir, "a.txt"); !errors.Is(err, connectivity.ErrBodyTooLarge) {
		t.Fatalf("err = %v, want ErrBodyTooLarge", err)
	}

	// WHAT: without AllowPrivate the dialer refuses the loopback server.
	// WHY: file_url is caller input; a later DNS answer must not reach the LAN.
	cfg.AllowPrivate = false
	if _, err := NewFetcher(cfg, 1<<20, quiet()).Fetch(context.Background(), srv.URL+"/a.txt", dir, "a.txt"); !errors.Is(err, guard.ErrSSRF) {
		t.Fatalf("err = %v, want ErrSSRF", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("files written: %v", entries)
	}
}

// WHAT: a fetch delivered after cancellation leaves the job and uploads alone.
// WHY: Cancel revokes the fetch task, but a delivery may already be running.
func TestURLJob_CanceledBeforeAttach(t *testing.T) {
	e := newEnv(t, scripted(""), upper{}, 0)
	j := e.submitURL(t, "late.wav", "http://127.0.0.1:1/late.wav")
	if _, err := e.jobs.Cancel(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.jobs.AttachInput(context.Background(), j.ID, "/tmp/late.wav"); !errors.Is(err, jobs.ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
	got, _ := e.jobs.Get(context.Background(), j.ID)
	if !jobs.IsTerminal(got.Status) || got.InputPath != "" {
		t.Fatalf("job = %+v", got)
	}
}
