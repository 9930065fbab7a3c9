package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/hazyhaar/dastyar/jobs"
)

// WHAT: a JSON submission queues a fetch task and answers with an estimate
// at the caller's token price.
// WHY: integrators hand over a URL instead of uploading the file.
func TestSubmitURL(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/v1/jobs", e.custKey, map[string]any{
		"file_url":     "https://cdn.example.com/audio/جلسه%20اول.mp3",
		"mode":         ModeTranscribeFix,
		"callback_url": "https://hooks.example.com/done",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var q urlQueued
	if err := json.Unmarshal(body, &q); err != nil {
		t.Fatal(err)
	}
	// 200 reserve tokens at price 2
	if q.Status != jobs.StatusQueued || q.Mode != ModeTranscribeFix || q.EstimatedCost != 400 {
		t.Fatalf("queued = %+v", q)
	}
	if got := e.rt.kinds[len(e.rt.kinds)-1]; got != jobs.TaskFetch {
		t.Fatalf("dispatched %q, want %q", got, jobs.TaskFetch)
	}

	j, err := e.jobs.Get(t.Context(), q.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Kind != jobs.KindAudio || !j.UseAI || j.Language != "fa" || j.InputPath != "" ||
		j.OriginalFilename != "جلسه_اول.mp3" || !strings.HasPrefix(j.SourceURL, "https://cdn.example.com/") {
		t.Fatalf("job = %+v", j)
	}
}

func TestSubmitURL_RawIsFree(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/v1/jobs", e.custKey, map[string]any{
		"file_url": "https://cdn.example.com/a.wav", "language": "en",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var q urlQueued
	json.Unmarshal(body, &q)
	if q.Mode != ModeTranscribeOnly || q.EstimatedCost != 0 {
		t.Fatalf("queued = %+v", q)
	}
}

func TestSubmitURL_Rejections(t *testing.T) {
	e := newEnv(t)
	cases := map[string]map[string]any{
		"file_url is required": {"mode": ModeTranscribeOnly},
		"private":              {"file_url": "http://127.0.0.1/a.mp3"},
		"only http":            {"file_url": "file:///etc/passwd.mp3"},
		"no file name":         {"file_url": "https://cdn.example.com/"},
		"unsupported":          {"file_url": "https://cdn.example.com/a.exe"},
		"mode must be":         {"file_url": "https://cdn.example.com/a.mp3", "mode": "fast"},
		"callback_url":         {"file_url": "https://cdn.example.com/a.mp3", "callback_url": "http://10.0.0.1/x"},
	}
	for want, req := range cases {
		resp, body := e.do(t, http.MethodPost, "/v1/jobs", e.custKey, req)
		if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), want) {
			t.Errorf("%s: status = %d body = %s", want, resp.StatusCode, body)
		}
	}
	if len(e.rt.kinds) != 0 {
		t.Fatalf("dispatched %v", e.rt.kinds)
	}
}
