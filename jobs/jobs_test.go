package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/observability"

	_ "modernc.org/sqlite"
)

type fakeRuntime struct {
	mu         sync.Mutex
	dispatched []string
	revoked    []string
	failNext   bool
}

func (f *fakeRuntime) DispatchTx(ctx context.Context, tx *sql.Tx, kind string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("queue unavailable")
	}
	f.dispatched = append(f.dispatched, kind)
	return fmt.Sprintf("tsk_%d", len(f.dispatched)), nil
}

func (f *fakeRuntime) Revoke(ctx context.Context, handle string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, handle)
	return 1, nil
}

type fixture struct {
	m    *Manager
	acct *accounts.Store
	rt   *fakeRuntime
	db   *sql.DB
	out  string
	user *accounts.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	if err := accounts.Init(ctx, db); err != nil {
		t.Fatal(err)
	}
	if err := Init(ctx, db); err != nil {
		t.Fatal(err)
	}
	if err := observability.Init(ctx, db); err != nil {
		t.Fatal(err)
	}
	acct := accounts.New(db)
	u, err := acct.CreateUser(ctx, accounts.NewUser{Username: "neda", FileLimit: 3, Balance: 1000, TokenPrice: 2})
	if err != nil {
		t.Fatal(err)
	}
	rt := &fakeRuntime{}
	out := filepath.Join(t.TempDir(), "outputs")
	m := NewManager(db, acct, rt, out,
		WithEvents(observability.NewEventLogger(db, nil)),
		WithAudit(observability.NewAuditLogger(db, nil)))
	return &fixture{m: m, acct: acct, rt: rt, db: db, out: out, user: u}
}

func (f *fixture) submit(t *testing.T, name string, useAI bool) *Job {
	t.Helper()
	j, err := f.m.Submit(context.Background(), Submission{
		UserID: f.user.ID, OriginalFilename: name, InputPath: "/uploads/" + name, UseAI: useAI,
	})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestKindForAndDisplayName(t *testing.T) {
	cases := []struct {
		name, kind string
		useAI      bool
		display    string
	}{
		{"talk.WAV", KindAudio, true, "(AI) talk.WAV"},
		{"talk.mp3", KindAudio, false, "(RAW) talk.mp3"},
		{"notes.docx", KindText, false, "(اصلاح متنی) notes.docx"},
	}
	for _, c := range cases {
		kind, err := KindFor(c.name)
		if err != nil || kind != c.kind {
			t.Fatalf("KindFor(%q) = %q, %v", c.name, kind, err)
		}
		if got := DisplayName(kind, c.useAI, c.name); got != c.display {
			t.Errorf("DisplayName = %q, want %q", got, c.display)
		}
	}
	if _, err := KindFor("movie.mkv"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("mkv: %v", err)
	}
}

func TestSubmit_QueuesAndDispatches(t *testing.T) {
	f := setup(t)
	j := f.submit(t, "lecture.mp3", true)
	if j.Status != StatusQueued || j.Kind != KindAudio || j.TaskHandle != "tsk_1" || !j.UseAI {
		t.Fatalf("job = %+v", j)
	}
	if f.rt.dispatched[0] != TaskAudio {
		t.Fatalf("dispatched = %v", f.rt.dispatched)
	}
	tj := f.submit(t, "essay.txt", false)
	if !tj.UseAI || f.rt.dispatched[1] != TaskText {
		t.Fatalf("text job = %+v, dispatched %v", tj, f.rt.dispatched)
	}
}

// WHAT: a failed dispatch leaves neither a job row nor a consumed quota slot.
// WHY: quota, job and task are one transaction.
func TestSubmit_DispatchFailureRollsBack(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rt.failNext = true
	if _, err := f.m.Submit(ctx, Submission{UserID: f.user.ID, OriginalFilename: "a.wav", InputPath: "/x"}); err == nil {
		t.Fatal("expected dispatch error")
	}
	if _, total, _ := f.m.List(ctx, Filter{}); total != 0 {
		t.Fatalf("jobs after failed submit = %d", total)
	}
	if n, _ := f.acct.Remaining(ctx, f.user.ID); n != 3 {
		t.Fatalf("remaining = %d, want 3", n)
	}
}

// WHAT: a URL submission dispatches job.fetch; attaching the input
// dispatches the root kind once, even when the fetch is delivered twice.
// WHY: the audio or text task must never start before its file exists.
func TestSubmitURL_AttachInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j, err := f.m.Submit(ctx, Submission{
		UserID: f.user.ID, OriginalFilename: "talk.mp3", InputPath: "/ignored",
		SourceURL: "https://cdn.example.com/talk.mp3", UseAI: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if j.InputPath != "" || j.SourceURL != "https://cdn.example.com/talk.mp3" || j.Kind != KindAudio {
		t.Fatalf("job = %+v", j)
	}
	if len(f.rt.dispatched) != 1 || f.rt.dispatched[0] != TaskFetch {
		t.Fatalf("dispatched = %v", f.rt.dispatched)
	}

	for range 2 {
		if err := f.m.AttachInput(ctx, j.ID, "/uploads/abc_talk.mp3"); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.rt.dispatched) != 2 || f.rt.dispatched[1] != TaskAudio {
		t.Fatalf("dispatched = %v", f.rt.dispatched)
	}
	got, _ := f.m.Get(ctx, j.ID)
	if got.InputPath != "/uploads/abc_talk.mp3" || got.TaskHandle != "tsk_2" || got.Status != StatusQueued {
		t.Fatalf("job = %+v", got)
	}

	if _, err := f.m.MarkProcessing(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.m.AttachInput(ctx, j.ID, "/other"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("err = %v", err)
	}
	if err := f.m.AttachInput(ctx, "job_missing", "/x"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmit_QuotaExceeded(t *testing.T) {
	f := setup(t)
	for range 3 {
		f.submit(t, "a.wav", false)
	}
	_, err := f.m.Submit(context.Background(), Submission{UserID: f.user.ID, OriginalFilename: "a.wav", InputPath: "/x"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestMarkProcessing_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "a.wav", false)
	first, err := f.m.MarkProcessing(ctx, j.ID)
	if err != nil || first.Status != StatusProcessing || first.StartedAt == nil {
		t.Fatalf("first = %+v, %v", first, err)
	}
	again, err := f.m.MarkProcessing(ctx, j.ID)
	if err != nil || !again.StartedAt.Equal(*first.StartedAt) {
		t.Fatalf("again = %+v, %v", again, err)
	}
	if _, err := f.m.MarkProcessing(ctx, "job_missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

// WHAT: a second Finalize of the same job neither charges again nor
// rewrites the record.
// WHY: the finalizer task may be redelivered after a crash.
func TestFinalize_ChargesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "talk.wav", true)
	f.m.MarkProcessing(ctx, j.ID)

	done, err := f.m.Finalize(ctx, j.ID, Outcome{Raw: "raw", AI: "fixed", Final: "fixed", Tokens: 50, Corrected: true})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusCompleted || *done.TokenUsage != 50 || *done.RawText != "raw" || done.FinishedAt == nil {
		t.Fatalf("done = %+v", done)
	}
	if !done.HasArtifacts() || !strings.HasPrefix(filepath.Base(done.OutputTXT), j.ID+"_talk") {
		t.Fatalf("artifacts %q %q", done.OutputTXT, done.OutputDOCX)
	}
	if b, err := os.ReadFile(done.OutputTXT); err != nil || string(b) != "fixed" {
		t.Fatalf("txt = %q, %v", b, err)
	}
	if _, err := os.Stat(done.OutputDOCX); err != nil {
		t.Fatal(err)
	}

	_, err = f.m.Finalize(ctx, j.ID, Outcome{Final: "other", Tokens: 50, Corrected: true})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second finalize: %v", err)
	}
	u, _ := f.acct.GetUser(ctx, f.user.ID)
	if u.Balance != 900 {
		t.Fatalf("balance = %v, want 900", u.Balance)
	}
	txns, _ := f.acct.Transactions(ctx, f.user.ID, 10, 0)
	if len(txns) != 1 {
		t.Fatalf("transactions = %d", len(txns))
	}
	if b, _ := os.ReadFile(done.OutputTXT); string(b) != "fixed" {
		t.Fatalf("artifact overwritten: %q", b)
	}
}

// WHAT: two stagings of the same artifacts use distinct temporary files.
// WHY: the losing Finalize discards its files and must not take the
// winner's with it.
func TestStageArtifacts_Isolated(t *testing.T) {
	dir := t.TempDir()
	txt, docx := filepath.Join(dir, "job_1_talk.txt"), filepath.Join(dir, "job_1_talk.docx")
	a, err := stageArtifacts(txt, docx, "winner")
	if err != nil {
		t.Fatal(err)
	}
	b, err := stageArtifacts(txt, docx, "loser")
	if err != nil {
		t.Fatal(err)
	}
	b.discard()
	if err := a.commit(); err != nil {
		t.Fatalf("commit after sibling discard: %v", err)
	}
	if got, _ := os.ReadFile(txt); string(got) != "winner" {
		t.Fatalf("txt = %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("files = %v", entries)
	}
}

func TestFinalize_ConcurrentSingleWinner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "talk.wav", false)
	f.m.MarkProcessing(ctx, j.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.m.Finalize(ctx, j.ID, Outcome{Raw: "x", Final: "x"})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrAlreadyTerminal):
			t.Fatalf("finalize: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("winners = %d, errs = %v", ok, errs)
	}
	done, _ := f.m.Get(ctx, j.ID)
	if _, err := os.Stat(done.OutputTXT); err != nil {
		t.Fatalf("winner's txt missing: %v", err)
	}
	if _, err := os.Stat(done.OutputDOCX); err != nil {
		t.Fatalf("winner's docx missing: %v", err)
	}
	entries, _ := os.ReadDir(f.out)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".partial") {
			t.Fatalf("leftover %s", e.Name())
		}
	}
}

func TestFinalize_RawOnlyIsUnbilled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "talk.mp3", false)
	f.m.MarkProcessing(ctx, j.ID)
	done, err := f.m.Finalize(ctx, j.ID, Outcome{Raw: "hello", Final: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if done.TokenUsage != nil || done.AIText != nil {
		t.Fatalf("done = %+v", done)
	}
	if c, _ := f.acct.JobCharge(ctx, j.ID); c != nil {
		t.Fatalf("charge = %+v", c)
	}
}

func TestFinalize_InsufficientBalanceLeavesNoArtifact(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "essay.md", true)
	f.m.MarkProcessing(ctx, j.ID)
	_, err := f.m.Finalize(ctx, j.ID, Outcome{AI: "x", Final: "x", Tokens: 10_000, Corrected: true})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v", err)
	}
	st, _ := f.m.Status(ctx, j.ID)
	if st != StatusProcessing {
		t.Fatalf("status = %s", st)
	}
	entries, _ := os.ReadDir(f.out)
	if len(entries) != 0 {
		t.Fatalf("leftover files: %v", entries)
	}
}

// WHAT: a completion arriving after cancellation is discarded.
// WHY: revocation is best-effort and a running handler may still finish.
func TestCancel_ThenLateFinalize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "a.wav", true)
	f.m.MarkProcessing(ctx, j.ID)

	c, err := f.m.Cancel(ctx, j.ID)
	if err != nil || c.Status != StatusCanceled {
		t.Fatalf("cancel = %+v, %v", c, err)
	}
	if len(f.rt.revoked) != 1 || f.rt.revoked[0] != j.TaskHandle {
		t.Fatalf("revoked = %v", f.rt.revoked)
	}
	if _, err := f.m.Finalize(ctx, j.ID, Outcome{Final: "late", Tokens: 5, Corrected: true}); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("late finalize: %v", err)
	}
	if c, _ := f.acct.JobCharge(ctx, j.ID); c != nil {
		t.Fatal("canceled job was charged")
	}

	// Cancelling again is a no-op.
	again, err := f.m.Cancel(ctx, j.ID)
	if err != nil || again.Status != StatusCanceled || len(f.rt.revoked) != 1 {
		t.Fatalf("second cancel = %+v, %v", again, err)
	}
}

func TestCancel_CompletedJobUnchanged(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "a.wav", false)
	f.m.Finalize(ctx, j.ID, Outcome{Raw: "r", Final: "r"})
	c, err := f.m.Cancel(ctx, j.ID)
	if err != nil || c.Status != StatusCompleted {
		t.Fatalf("cancel completed = %+v, %v", c, err)
	}
}

func TestFail_AndForceStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "a.wav", false)
	failed, err := f.m.Fail(ctx, j.ID, "speech provider down")
	if err != nil || failed.Status != StatusFailed || failed.Error != "speech provider down" {
		t.Fatalf("fail = %+v, %v", failed, err)
	}
	if _, err := f.m.Fail(ctx, j.ID, "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second fail: %v", err)
	}

	if _, err := f.m.ForceStatus(ctx, j.ID, "done", "admin"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("bad status: %v", err)
	}
	q, err := f.m.ForceStatus(ctx, j.ID, StatusQueued, "admin")
	if err != nil || q.Status != StatusQueued || q.FinishedAt != nil {
		t.Fatalf("force = %+v, %v", q, err)
	}
	entries, _ := observability.NewAuditLogger(f.db, nil).Query(ctx, j.ID, 10)
	if len(entries) != 1 || entries[0].Actor != "admin" || entries[0].Operation != "job.force_status" {
		t.Fatalf("audit entries = %+v", entries)
	}
}

// WHAT: processing jobs time out from their start, queued jobs only after
// the much longer queue cutoff.
// WHY: a long backlog must not fail healthy jobs that never started.
func TestFailStuck(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	running := f.submit(t, "running.wav", false)
	if _, err := f.m.MarkProcessing(ctx, running.ID); err != nil {
		t.Fatal(err)
	}
	waiting := f.submit(t, "waiting.wav", false)
	done := f.submit(t, "done.wav", false)
	f.m.Finalize(ctx, done.ID, Outcome{Raw: "x", Final: "x"})

	now := time.Now()
	failed, err := f.m.FailStuck(ctx, StuckCutoff{StartedBefore: now.Add(time.Minute), QueuedBefore: now.Add(-time.Hour)})
	if err != nil || len(failed) != 1 || failed[0] != running.ID {
		t.Fatalf("FailStuck = %v, %v", failed, err)
	}
	if st, _ := f.m.Status(ctx, waiting.ID); st != StatusQueued {
		t.Fatalf("backlogged job status = %s", st)
	}

	failed, err = f.m.FailStuck(ctx, StuckCutoff{StartedBefore: now.Add(time.Minute), QueuedBefore: now.Add(time.Minute)})
	if err != nil || len(failed) != 1 || failed[0] != waiting.ID {
		t.Fatalf("second FailStuck = %v, %v", failed, err)
	}
	if st, _ := f.m.Status(ctx, done.ID); st != StatusCompleted {
		t.Fatalf("done status = %s", st)
	}
}

func TestGetFor_HidesOtherUsersJobs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.submit(t, "a.wav", false)
	other, _ := f.acct.CreateUser(ctx, accounts.NewUser{Username: "reza"})
	admin, _ := f.acct.CreateUser(ctx, accounts.NewUser{Username: "root", Role: accounts.RoleAdmin})
	if _, err := f.m.GetFor(ctx, j.ID, other); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("other: %v", err)
	}
	if _, err := f.m.GetFor(ctx, j.ID, admin); err != nil {
		t.Fatalf("admin: %v", err)
	}
	list, total, err := f.m.List(ctx, Filter{UserID: other.ID})
	if err != nil || total != 0 || len(list) != 0 {
		t.Fatalf("other list = %d/%d, %v", len(list), total, err)
	}
}

func TestOnTerminal_FiresOncePerTransition(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var got []string
	f.m.onFinish = append(f.m.onFinish, func(ctx context.Context, j *Job) { got = append(got, j.ID+":"+j.Status) })

	a := f.submit(t, "a.wav", false)
	b := f.submit(t, "b.wav", false)
	f.m.Finalize(ctx, a.ID, Outcome{Raw: "x", Final: "x"})
	f.m.Finalize(ctx, a.ID, Outcome{Raw: "x", Final: "x"})
	f.m.Cancel(ctx, b.ID)
	f.m.Cancel(ctx, b.ID)

	want := []string{a.ID + ":completed", b.ID + ":canceled"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("hook calls = %v, want %v", got, want)
	}
}
