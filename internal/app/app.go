// Package app assembles the services the binaries share from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/tom-education/internal/alerts"
	"github.com/tendant/tom-education/internal/api"
	"github.com/tendant/tom-education/internal/artifact"
	"github.com/tendant/tom-education/internal/bus"
	"github.com/tendant/tom-education/internal/config"
	"github.com/tendant/tom-education/internal/export"
	"github.com/tendant/tom-education/internal/facility"
	"github.com/tendant/tom-education/internal/ingest"
	"github.com/tendant/tom-education/internal/lease"
	"github.com/tendant/tom-education/internal/output"
	"github.com/tendant/tom-education/internal/pipeline"
	"github.com/tendant/tom-education/internal/products"
	"github.com/tendant/tom-education/internal/runner"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/internal/timelapse"
	"github.com/tendant/tom-education/internal/upload"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Store      *store.Store
	Artifacts  artifact.Set
	Pipelines  *pipeline.Registry
	Facilities *facility.Registry
	Leases     lease.Leaser
	Metrics    *prometheus.Registry
	Products   *products.Service
	Ingest     *ingest.Service

	// Bus is nil unless connected with ConnectBus.
	Bus *bus.Client

	redis   *redis.Client
	saver   *output.Saver
	runners *runner.Metrics
}

// New opens the database and builds every service that does not need a broker.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := cfg.SQLiteDir(); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: st}
	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config
	fs, err := artifact.NewFS(cfg.DataDir, cfg.MediaURL)
	if err != nil {
		return fmt.Errorf("media directory: %w", err)
	}
	primary := artifact.Store(fs)
	stores := []artifact.Store{fs}
	if cfg.ContentEnabled {
		content, err := upload.NewService(cfg.Content, a.Logger)
		if err != nil {
			return err
		}
		primary = content
		stores = append(stores, content)
	}
	a.Artifacts = artifact.NewSet(stores...)

	a.Pipelines = pipeline.NewRegistry()
	if err := a.Pipelines.Register(timelapse.Name, timelapse.New(cfg.Timelapse)); err != nil {
		return err
	}
	a.Facilities = facility.NewRegistry(facility.NewLCO(cfg.Facility))

	a.Leases = a.Store.Leases()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return &config.Error{Key: "REDIS_URL", Value: cfg.RedisURL, Reason: err.Error()}
		}
		a.redis = redis.NewClient(opts)
		a.Leases = lease.NewManager(a.redis)
	}

	a.Metrics = prometheus.NewRegistry()
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.runners = runner.NewMetrics(a.Metrics)

	a.saver = output.NewSaver(a.Store, a.Artifacts, a.Logger)
	a.Products = products.NewService(a.Store, a.Artifacts, a.Logger)
	a.Ingest = ingest.NewService(a.Store, primary, a.Logger)
	return nil
}

// ConnectBus connects to NATS. Runners built afterwards publish lifecycle events.
func (a *App) ConnectBus(name string) error {
	c, err := bus.Connect(a.Config.NATSURL, name, a.Logger)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", a.Config.NATSURL, err)
	}
	a.Bus = c
	return nil
}

// Runner builds a runner over the shared services. The caller installs its queue.
func (a *App) Runner(opts ...runner.Option) *runner.Runner {
	base := []runner.Option{
		runner.WithLeaser(a.Leases),
		runner.WithLeaseTTL(a.Config.LeaseTTL),
		runner.WithMetrics(a.runners),
	}
	if a.Bus != nil {
		base = append(base, runner.WithEvents(bus.NewEvents(a.Bus, a.Config.EventSubject)))
	}
	return runner.New(a.Store, a.Pipelines, a.saver, a.Artifacts, a.Logger, append(base, opts...)...)
}

// SyncRunner runs every submission before Submit returns.
func (a *App) SyncRunner() *runner.Runner {
	r := a.Runner()
	r.SetQueue(runner.NewSyncQueue(r.Execute))
	return r
}

func (a *App) Reaper() *lease.Reaper {
	return lease.NewReaper(a.Store, a.Leases, a.Config.LeaseTTL, a.Logger,
		lease.WithPendingTimeout(a.Config.PendingTimeout))
}

func (a *App) Syncer() *alerts.Syncer {
	return alerts.NewSyncer(a.Store, a.Facilities, a.Ingest, a.Logger)
}

// AlertProcessor submits its timelapses through a synchronous runner.
func (a *App) AlertProcessor() *alerts.Processor {
	cfg := a.Config
	mailer := alerts.NewSMTPMailer(alerts.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})
	return alerts.NewProcessor(a.Store, a.Syncer(), a.Facilities, a.SyncRunner(), a.Products, mailer, cfg.AlertFromEmail, a.Logger)
}

// API builds the HTTP server around submitter.
func (a *App) API(submitter api.Submitter) *api.Server {
	return api.New(api.Deps{
		Store:    a.Store,
		Runner:   submitter,
		Registry: a.Pipelines,
		Products: a.Products,
		Alerts:   alerts.NewService(a.Store, a.Facilities, a.Logger),
		Export:   export.NewService(a.Store, a.Logger),
		Gatherer: a.Metrics,
		Ready:    a.ReadyChecks(),
		Logger:   a.Logger,
	})
}

// ReadyChecks probes the database and, when configured, the broker and Redis.
func (a *App) ReadyChecks() map[string]api.Check {
	checks := map[string]api.Check{"database": a.Store.Ping}
	if a.Bus != nil {
		checks["nats"] = func(context.Context) error {
			if !a.Bus.Conn().IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
