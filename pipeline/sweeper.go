package pipeline

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/observability"
)

// Pruner deletes settled tasks.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper is the periodic maintenance pass: it fails stuck jobs, removes
// abandoned scratch directories, prunes old tasks and applies the
// observability retention.
type Sweeper struct {
	cfg    *config.Config
	jobs   *jobs.Manager
	tasks  Pruner
	obsDB  *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper returns a Sweeper. obsDB may be nil.
func NewSweeper(cfg *config.Config, jm *jobs.Manager, tasks Pruner, obsDB *sql.DB, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, jobs: jm, tasks: tasks, obsDB: obsDB, logger: logger, now: time.Now}
}

// Run sweeps every Sweeper.Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.Sweeper.Interval)
	defer tick.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// Sweep runs one pass. Each step logs its own failure and the pass goes on.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	sc := s.cfg.Sweeper

	failed, err := s.jobs.FailStuck(ctx, jobs.StuckCutoff{
		StartedBefore: now.Add(-sc.StuckAfter),
		QueuedBefore:  now.Add(-sc.QueuedAfter),
	})
	if err != nil {
		s.logger.Error("sweeper: stuck jobs", "error", err)
	}
	for _, id := range failed {
		if err := os.RemoveAll(filepath.Join(s.cfg.ScratchDir(), id)); err != nil {
			s.logger.Warn("sweeper: remove scratch dir", "job_id", id, "error", err)
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("sweeper: failed stuck jobs", "count", len(failed))
	}

	if n, err := s.removeStaleScratch(now.Add(-sc.ScratchRetention)); err != nil {
		s.logger.Error("sweeper: scratch", "error", err)
	} else if n > 0 {
		s.logger.Info("sweeper: removed scratch dirs", "count", n)
	}

	if s.tasks != nil {
		if n, err := s.tasks.Prune(ctx, now.Add(-sc.TaskRetention)); err != nil {
			s.logger.Error("sweeper: prune tasks", "error", err)
		} else if n > 0 {
			s.logger.Info("sweeper: pruned tasks", "count", n)
		}
	}

	if s.obsDB != nil {
		days := sc.ObservabilityDays
		err := observability.Cleanup(ctx, s.obsDB, observability.RetentionConfig{
			EventLogsDays: days, HeartbeatsDays: days, MetricsDays: days, AuditDays: days,
		})
		if err != nil {
			s.logger.Error("sweeper: observability retention", "error", err)
		}
	}
}

func (s *Sweeper) removeStaleScratch(before time.Time) (int, error) {
	root := s.cfg.ScratchDir()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !e.IsDir() || info.ModTime().After(before) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			s.logger.Warn("sweeper: remove scratch dir", "dir", e.Name(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}
