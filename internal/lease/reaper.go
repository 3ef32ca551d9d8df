package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/store"
)

const (
	MessageWorkerLost = "Worker stopped before the job finished"
	MessageUnclaimed  = "Job was not picked up by a worker"
)

// Store is what the reaper reads and fails records through.
type Store interface {
	ListStaleProcesses(ctx context.Context, startedBefore time.Time) ([]*process.Record, error)
	ListUnclaimedProcesses(ctx context.Context, createdBefore time.Time) ([]*process.Record, error)
	FinishProcess(ctx context.Context, rec *process.Record) error
}

// Reaper fails pending records whose worker stopped renewing its lease and,
// optionally, records no worker picked up in time.
type Reaper struct {
	store          Store
	leases         Leaser
	ttl            time.Duration
	pendingTimeout time.Duration
	onReap         func(ctx context.Context, rec *process.Record)
	logger         *slog.Logger
	now            func() time.Time
}

type ReaperOption func(*Reaper)

// WithPendingTimeout fails records never claimed within d. Zero disables it.
func WithPendingTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.pendingTimeout = d }
}

// WithOnReap is called after each record the reaper failed.
func WithOnReap(fn func(ctx context.Context, rec *process.Record)) ReaperOption {
	return func(r *Reaper) { r.onReap = fn }
}

func NewReaper(st Store, leases Leaser, ttl time.Duration, logger *slog.Logger, opts ...ReaperOption) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{store: st, leases: leases, ttl: ttl, logger: logger, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs Sweep on schedule until ctx is done.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Warn("lease reaper sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Sweep fails every abandoned record once and returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.store.ListStaleProcesses(ctx, now.Add(-r.ttl))
	if err != nil {
		return 0, fmt.Errorf("list stale processes: %w", err)
	}
	reaped := 0
	for _, rec := range stale {
		held, err := r.leases.Held(ctx, rec.Identifier)
		if err != nil {
			r.logger.Warn("lease reaper read lease failed", "identifier", rec.Identifier, "err", err)
			continue
		}
		if held {
			continue
		}
		if r.fail(ctx, rec, MessageWorkerLost, now) {
			reaped++
		}
	}

	if r.pendingTimeout <= 0 {
		return reaped, nil
	}
	unclaimed, err := r.store.ListUnclaimedProcesses(ctx, now.Add(-r.pendingTimeout))
	if err != nil {
		return reaped, fmt.Errorf("list unclaimed processes: %w", err)
	}
	for _, rec := range unclaimed {
		if r.fail(ctx, rec, MessageUnclaimed, now) {
			reaped++
		}
	}
	return reaped, nil
}

func (r *Reaper) fail(ctx context.Context, rec *process.Record, msg string, now time.Time) bool {
	if err := rec.MarkFailed(msg, now); err != nil {
		return false
	}
	if err := r.store.FinishProcess(ctx, rec); err != nil {
		if !store.IsTerminal(err) {
			r.logger.Warn("lease reaper finish failed", "identifier", rec.Identifier, "err", err)
		}
		return false
	}
	r.logger.Info("lease reaper failed process", "identifier", rec.Identifier, "worker", rec.Worker, "reason", msg)
	if r.onReap != nil {
		r.onReap(ctx, rec)
	}
	return true
}
