package pipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/taskrt"
)

func TestSweeper_FailsStuckAndRemovesScratch(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	for _, initFn := range []func(context.Context, *sql.DB) error{accounts.Init, jobs.Init, taskrt.Init, observability.Init} {
		if err := initFn(ctx, db); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	rt := taskrt.New(db, taskrt.WithLogger(quiet()))
	rt.Register(jobs.TaskAudio, func(ctx context.Context, tk *taskrt.Task) ([]byte, error) { return nil, nil }, taskrt.Options{})
	acct := accounts.New(db)
	u, _ := acct.CreateUser(ctx, accounts.NewUser{Username: "omid"})

	now := time.Now()
	past := now.Add(-3 * time.Hour)
	old := jobs.NewManager(db, acct, rt, cfg.OutputDir(), jobs.WithLogger(quiet()), jobs.WithClock(func() time.Time { return past }))
	stuck, err := old.Submit(ctx, jobs.Submission{UserID: u.ID, OriginalFilename: "a.wav", InputPath: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := old.MarkProcessing(ctx, stuck.ID); err != nil {
		t.Fatal(err)
	}
	backlog, err := old.Submit(ctx, jobs.Submission{UserID: u.ID, OriginalFilename: "b.wav", InputPath: "/y"})
	if err != nil {
		t.Fatal(err)
	}
	jm := jobs.NewManager(db, acct, rt, cfg.OutputDir(), jobs.WithLogger(quiet()))
	fresh, err := jm.Submit(ctx, jobs.Submission{UserID: u.ID, OriginalFilename: "c.wav", InputPath: "/z"})
	if err != nil {
		t.Fatal(err)
	}

	stuckDir := filepath.Join(cfg.ScratchDir(), stuck.ID)
	orphanDir := filepath.Join(cfg.ScratchDir(), "job_orphan")
	liveDir := filepath.Join(cfg.ScratchDir(), fresh.ID)
	for _, d := range []string{stuckDir, orphanDir, liveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	ancient := now.Add(-cfg.Sweeper.ScratchRetention - time.Hour)
	os.Chtimes(orphanDir, ancient, ancient)

	NewSweeper(cfg, jm, rt, db, quiet()).Sweep(ctx)

	if st, _ := jm.Status(ctx, stuck.ID); st != jobs.StatusFailed {
		t.Fatalf("stuck job status = %s", st)
	}
	if st, _ := jm.Status(ctx, backlog.ID); st != jobs.StatusQueued {
		t.Fatalf("backlogged job status = %s", st)
	}
	if st, _ := jm.Status(ctx, fresh.ID); st != jobs.StatusQueued {
		t.Fatalf("fresh job status = %s", st)
	}
	// the failed job's scratch goes at once, whatever its age
	if _, err := os.Stat(stuckDir); !os.IsNotExist(err) {
		t.Fatalf("stuck job scratch kept: %v", err)
	}
	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Fatalf("stale scratch kept: %v", err)
	}
	if _, err := os.Stat(liveDir); err != nil {
		t.Fatalf("live scratch removed: %v", err)
	}
}
