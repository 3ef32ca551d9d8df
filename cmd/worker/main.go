// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/tendant/tom-education/internal/app"
	"github.com/tendant/tom-education/internal/config"
	"github.com/tendant/tom-education/internal/runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build services", err)
	}
	defer a.Close()
	if err := a.Store.Migrate(ctx); err != nil {
		fatal(logger, "migrate database", err)
	}

	if err := a.ConnectBus("tomedu-worker"); err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	id := workerID()
	r := a.Runner(runner.WithWorkerID(id))
	logger.Info("worker starting", "worker", id, "nats_url", cfg.NATSURL, "subject", cfg.ProcessSubject, "queue", cfg.ProcessQueue, "job_timeout", cfg.JobTimeout)

	sub, err := a.Bus.ServeJobs(cfg.ProcessSubject, cfg.ProcessQueue, cfg.JobTimeout, r.Execute)
	if err != nil {
		fatal(logger, "subscribe worker", err, "subject", cfg.ProcessSubject, "queue", cfg.ProcessQueue)
	}
	logger.Info("listening for jobs", "subject", cfg.ProcessSubject, "queue", cfg.ProcessQueue)

	if err := a.Reaper().Start(ctx, cfg.ReaperSchedule); err != nil {
		fatal(logger, "start lease reaper", err)
	}

	<-ctx.Done()
	logger.Info("worker shutting down")
	if err := sub.Drain(); err != nil {
		logger.Warn("drain subscription", "err", err)
	}
}

// workerID names this process in claims and leases.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
