package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/dbopen"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/shield"
	"github.com/hazyhaar/dastyar/taskrt"
	"github.com/hazyhaar/dastyar/webhook"
)

// app holds the stores shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB
	obsDB *sql.DB

	accounts *accounts.Store
	tasks    *taskrt.Runtime
	jobs     *jobs.Manager
	events   *observability.EventLogger
	audit    *observability.AuditLogger
	metrics  *observability.MetricsManager
	webhook  *webhook.Notifier
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("DASTYAR_CONFIG"), "path to dastyar.yaml")
}

// openApp loads the configuration, opens both databases, applies every
// schema and wires the stores.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.Log.Level)}

	if a.db, err = dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll()); err != nil {
		return nil, fmt.Errorf("app db: %w", err)
	}
	if a.obsDB, err = dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll()); err != nil {
		a.db.Close()
		return nil, fmt.Errorf("observability db: %w", err)
	}
	for _, step := range []struct {
		name string
		fn   func(context.Context, *sql.DB) error
	}{
		{"accounts", accounts.Init}, {"jobs", jobs.Init}, {"taskrt", taskrt.Init}, {"shield", shield.Init},
	} {
		if err := step.fn(ctx, a.db); err != nil {
			a.close()
			return nil, fmt.Errorf("init %s: %w", step.name, err)
		}
	}
	if err := observability.Init(ctx, a.obsDB); err != nil {
		a.close()
		return nil, fmt.Errorf("init observability: %w", err)
	}

	a.events = observability.NewEventLogger(a.obsDB, a.logger)
	a.audit = observability.NewAuditLogger(a.obsDB, a.logger)
	a.metrics = observability.NewMetricsManager(a.obsDB, 500, 10*time.Second)

	a.accounts = accounts.New(a.db, accounts.WithLocation(cfg.Location()), accounts.WithLogger(a.logger))
	a.tasks = taskrt.New(a.db,
		taskrt.WithLogger(a.logger),
		taskrt.WithPollInterval(cfg.Tasks.PollInterval),
		taskrt.WithObserver(a.metrics.TaskObserver()))

	a.jobs = jobs.NewManager(a.db, a.accounts, a.tasks, cfg.OutputDir(),
		jobs.WithLogger(a.logger),
		jobs.WithEvents(a.events),
		jobs.WithMetrics(a.metrics),
		jobs.WithAudit(a.audit),
		jobs.OnTerminal(func(ctx context.Context, j *jobs.Job) { a.webhook.Notify(ctx, j) }))
	a.webhook = webhook.New(cfg.Webhook, a.tasks, a.jobs, a.accounts, a.events, nil, a.logger)
	return a, nil
}

func (a *app) close() {
	if a.metrics != nil {
		a.metrics.Close()
	}
	if a.obsDB != nil {
		a.obsDB.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
