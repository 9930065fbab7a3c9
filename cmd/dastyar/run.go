package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/dastyar/api"
	"github.com/hazyhaar/dastyar/correction"
	"github.com/hazyhaar/dastyar/docpipe"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/pipeline"
	"github.com/hazyhaar/dastyar/shield"
	"github.com/hazyhaar/dastyar/speech"
)

// cmdRun starts the API, the workers or both until ctx is cancelled.
// Every process registers every task kind: the API dispatches root tasks
// and webhooks and must know their limits even when it runs none.
func cmdRun(ctx context.Context, args []string, serveAPI, runWorkers bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	fs.Parse(args)

	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	providers := &http.Client{}
	p := pipeline.New(cfg, pipeline.Deps{
		Runtime:   a.tasks,
		Jobs:      a.jobs,
		Accounts:  a.accounts,
		Speech:    speech.NewWorker(speech.NewOpenAI(cfg.Speech, providers, logger), logger),
		Corrector: correction.New(cfg.Correction, providers, logger),
		Reader:    docpipe.NewReader(cfg.MaxUploadBytes(), logger),
		Fetcher:   pipeline.NewFetcher(cfg.Fetch, cfg.MaxUploadBytes(), logger),
		Metrics:   a.metrics,
		Logger:    logger,
	})
	p.Register()
	a.webhook.Register()

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	hb := observability.NewHeartbeatWriter(a.obsDB, workerID, 15*time.Second).WithMetrics(a.metrics)
	hb.Start(ctx)
	defer hb.Stop()

	var wg sync.WaitGroup
	if runWorkers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.tasks.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			pipeline.NewSweeper(cfg, a.jobs, a.tasks, a.obsDB, logger).Run(ctx)
		}()
		logger.Info("dastyar: workers started", "worker_id", workerID,
			"job_concurrency", cfg.Tasks.JobConcurrency, "chunk_concurrency", cfg.Tasks.ChunkConcurrency)
	}

	var srvErr error
	if serveAPI {
		srvErr = serve(ctx, a)
		cancel()
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	logger.Info("dastyar: stopped")
	return srvErr
}

func serve(ctx context.Context, a *app) error {
	stack, mm, rl := shield.APIStack(a.db, a.logger, a.cfg.MaxUploadBytes())
	rl.StartReloader(ctx)
	mm.StartReloader(ctx)

	s := api.New(a.cfg, api.Deps{
		Accounts:    a.accounts,
		Jobs:        a.jobs,
		Events:      a.events,
		Metrics:     a.metrics,
		Audit:       a.audit,
		ObsDB:       a.obsDB,
		Maintenance: mm,
		RateLimits:  rl,
		Logger:      a.logger,
	})
	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           s.Handler(stack),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("dastyar: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
