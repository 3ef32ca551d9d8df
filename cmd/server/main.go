// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tendant/tom-education/internal/app"
	"github.com/tendant/tom-education/internal/bus"
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
	gin.SetMode(gin.ReleaseMode)

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
	logger.Info("server starting", "addr", cfg.HTTPAddr, "database", cfg.Database.Driver, "queue_mode", cfg.QueueMode, "data_dir", cfg.DataDir, "content", cfg.ContentEnabled)

	if cfg.QueueMode == "nats" {
		if err := a.ConnectBus("tomedu-server"); err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
	}
	r := a.Runner()
	var local *runner.LocalQueue
	switch cfg.QueueMode {
	case "nats":
		r.SetQueue(bus.NewQueue(a.Bus, cfg.ProcessSubject))
		logger.Info("publishing jobs", "subject", cfg.ProcessSubject)
	default:
		local = runner.NewLocalQueue(r.Execute, logger,
			runner.WithWorkers(cfg.Workers),
			runner.WithQueueSize(cfg.QueueSize),
			runner.WithJobTimeout(cfg.JobTimeout))
		r.SetQueue(local)
		logger.Info("running jobs in process", "workers", cfg.Workers)
	}

	if err := a.Reaper().Start(ctx, cfg.ReaperSchedule); err != nil {
		fatal(logger, "start lease reaper", err)
	}
	if cfg.AlertFromEmail != "" {
		if err := a.AlertProcessor().Start(ctx, cfg.AlertsSchedule); err != nil {
			fatal(logger, "start alert processor", err)
		}
		logger.Info("alert processing scheduled", "schedule", cfg.AlertsSchedule)
	} else {
		logger.Info("alert processing disabled", "reason", "ALERT_FROM_EMAIL not set")
	}
	for _, dir := range cfg.IngestDirs {
		go func(dir string) {
			n, err := a.Ingest.Run(ctx, dir, true, 0)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ingest watcher stopped", "root", dir, "err", err)
				return
			}
			logger.Info("ingest watcher stopped", "root", dir, "ingested", n)
		}(dir)
	}

	engine := a.API(r).Router()
	engine.Static(cfg.MediaURL, cfg.DataDir)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server", err)
		}
	case <-ctx.Done():
	}
	logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if local != nil {
		local.Shutdown(shutdownCtx)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
