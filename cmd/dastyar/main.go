// Command dastyar runs the transcription and correction service.
//
// Usage:
//
//	dastyar serve  -config dastyar.yaml   # HTTP API only
//	dastyar worker -config dastyar.yaml   # task runtime only
//	dastyar all    -config dastyar.yaml   # both in one process
//
//	dastyar user create   -username NAME [-role admin] [-limit N] [-price P] [-balance B]
//	dastyar wallet credit -user ID -amount N [-note TEXT]
//	dastyar apikey create -user ID [-name NAME]
//	dastyar job cancel     -id JOB
//	dastyar job fix-status -id JOB -status STATUS
//	dastyar maintenance on|off [-message TEXT]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = cmdRun(ctx, args, true, false)
	case "worker":
		err = cmdRun(ctx, args, false, true)
	case "all":
		err = cmdRun(ctx, args, true, true)
	case "user":
		err = cmdUser(ctx, args)
	case "wallet":
		err = cmdWallet(ctx, args)
	case "apikey":
		err = cmdAPIKey(ctx, args)
	case "job":
		err = cmdJob(ctx, args)
	case "maintenance":
		err = cmdMaintenance(ctx, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("dastyar: fatal", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `dastyar: audio transcription and text correction service

usage:
  dastyar serve|worker|all  [-config FILE]
  dastyar user create       -username NAME [-email E] [-role admin|customer] [-limit N] [-price P] [-balance B]
  dastyar wallet credit     -user ID -amount N [-note TEXT]
  dastyar apikey create     -user ID [-name NAME]
  dastyar job cancel        -id JOB
  dastyar job fix-status    -id JOB -status queued|processing|completed|failed|canceled
  dastyar maintenance on|off [-message TEXT]

Every command accepts -config (default $DASTYAR_CONFIG).
`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
