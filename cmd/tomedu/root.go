package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tendant/tom-education/internal/app"
	"github.com/tendant/tom-education/internal/config"
)

var (
	cfg    config.Config
	logger *slog.Logger
	svc    *app.App
)

var rootCmd = &cobra.Command{
	Use:           "tomedu",
	Short:         "Operate timelapses, data ingest and observation alerts.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.LogLevel, TimeFormat: time.Kitchen}))
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if svc == nil {
			return nil
		}
		err := svc.Close()
		svc = nil
		return err
	},
}

// openApp connects to the database once per invocation and migrates it.
func openApp(ctx context.Context) (*app.App, error) {
	if svc != nil {
		return svc, nil
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Store.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	svc = a
	return a, nil
}
