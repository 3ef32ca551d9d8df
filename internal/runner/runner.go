// Package runner creates process records, hands them to a queue and executes
// them on workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/tom-education/internal/artifact"
	"github.com/tendant/tom-education/internal/lease"
	"github.com/tendant/tom-education/internal/output"
	"github.com/tendant/tom-education/internal/pipeline"
	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/pkg/schema"
)

// Store is the persistence the runner needs.
type Store interface {
	output.Store
	CreateProcess(ctx context.Context, rec *process.Record) error
	GetProcess(ctx context.Context, identifier string) (*process.Record, error)
	GetProducts(ctx context.Context, ids []int64) ([]*store.DataProduct, error)
	ClaimProcess(ctx context.Context, identifier, worker string, now time.Time) error
	SetProgress(ctx context.Context, identifier, progress string) error
	AppendLog(ctx context.Context, identifier, text string) error
	FinishProcess(ctx context.Context, rec *process.Record) error
}

// Queue hands submitted records to whatever executes them.
type Queue interface {
	Enqueue(ctx context.Context, msg schema.JobRequested) error
}

// ValidationError rejects a submission before any record is created.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Submission is a request to run one job.
type Submission struct {
	JobType  string
	OwnerID  string
	InputIDs []int64
	Flags    map[string]bool
}

type Runner struct {
	store     Store
	registry  *pipeline.Registry
	saver     *output.Saver
	artifacts artifact.Set
	logger    *slog.Logger

	queue    Queue
	leases   lease.Leaser
	events   Publisher
	metrics  *Metrics
	holder   string
	leaseTTL time.Duration
	tempRoot string
	now      func() time.Time

	mu sync.RWMutex
}

type Option func(*Runner)

func WithLeaser(l lease.Leaser) Option {
	return func(r *Runner) {
		if l != nil {
			r.leases = l
		}
	}
}

func WithLeaseTTL(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.leaseTTL = d
		}
	}
}

func WithEvents(p Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.events = p
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithWorkerID names this runner in claims and leases. Defaults to a random id.
func WithWorkerID(id string) Option {
	return func(r *Runner) {
		if id != "" {
			r.holder = id
		}
	}
}

// WithTempDir sets where job workdirs are created. Defaults to os.TempDir().
func WithTempDir(dir string) Option {
	return func(r *Runner) { r.tempRoot = dir }
}

func New(st Store, registry *pipeline.Registry, saver *output.Saver, artifacts artifact.Set, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:     st,
		registry:  registry,
		saver:     saver,
		artifacts: artifacts,
		logger:    logger,
		leases:    lease.Nop{},
		events:    nopPublisher{},
		holder:    "worker-" + uuid.NewString(),
		leaseTTL:  time.Minute,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetQueue installs the queue Submit enqueues on.
func (r *Runner) SetQueue(q Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = q
}

func (r *Runner) WorkerID() string { return r.holder }

// Submit validates s, stores a pending record and enqueues it. It does not
// wait for the job to run.
func (r *Runner) Submit(ctx context.Context, s Submission) (string, error) {
	h, err := r.registry.Get(s.JobType)
	if err != nil {
		return "", invalid("Invalid pipeline name '%s'", s.JobType)
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return "", invalid("No target given")
	}
	if len(s.InputIDs) > 0 {
		prods, err := r.store.GetProducts(ctx, s.InputIDs)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", invalid("Unknown data product: %v", err)
			}
			return "", err
		}
		for _, p := range prods {
			if p.OwnerID != s.OwnerID {
				return "", invalid("Data product %d does not belong to target '%s'", p.ID, s.OwnerID)
			}
		}
	}

	r.mu.RLock()
	q := r.queue
	r.mu.RUnlock()
	if q == nil {
		return "", fmt.Errorf("submit %s: no queue configured", s.JobType)
	}

	rec := process.New(s.JobType, h.ShortName(), s.OwnerID, s.InputIDs, pipeline.ResolveFlags(h, s.Flags), r.now())
	if err := r.store.CreateProcess(ctx, rec); err != nil {
		return "", fmt.Errorf("create process: %w", err)
	}
	r.metrics.submitted(rec.JobType)

	msg := schema.JobRequested{
		Identifier: rec.Identifier,
		JobType:    rec.JobType,
		OwnerID:    rec.OwnerID,
		HappenedAt: r.now().Unix(),
	}
	if err := q.Enqueue(ctx, msg); err != nil {
		r.abandon(ctx, rec, err)
		return "", fmt.Errorf("enqueue %s: %w", rec.Identifier, err)
	}
	r.publish(ctx, rec, schema.StageQueued, nil, 0)
	r.logger.Info("process submitted", "identifier", rec.Identifier, "job_type", rec.JobType, "owner", rec.OwnerID, "inputs", len(rec.InputIDs))
	return rec.Identifier, nil
}

// abandon fails a record that never reached a queue so it does not stay pending.
func (r *Runner) abandon(ctx context.Context, rec *process.Record, cause error) {
	ctx = context.WithoutCancel(ctx)
	_ = rec.MarkFailed(process.GenericFailureMessage, r.now())
	if err := r.store.FinishProcess(ctx, rec); err != nil {
		// A synchronous queue may already have finished the record.
		if !store.IsTerminal(err) {
			r.logger.Error("failed to finish unqueued process", "identifier", rec.Identifier, "err", err)
		}
		return
	}
	r.metrics.finished(rec.JobType, rec.Status, 0)
	r.publishFailure(ctx, rec, schema.StageFailed, cause, schema.FailureTypeUnexpected, 0)
	r.logger.Error("process could not be queued", "identifier", rec.Identifier, "err", cause)
}

// Execute runs a pending record to completion. Job failures are recorded on
// the record; the returned error only reports persistence problems.
func (r *Runner) Execute(ctx context.Context, identifier string) error {
	rec, err := r.store.GetProcess(ctx, identifier)
	if err != nil {
		return fmt.Errorf("load process: %w", err)
	}
	logger := r.logger.With("identifier", identifier, "job_type", rec.JobType, "worker", r.holder)
	if rec.Terminal() {
		logger.Info("process already finished, skipping", "status", rec.Status)
		return nil
	}

	ok, err := r.leases.Acquire(ctx, identifier, r.holder, r.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		logger.Warn("process leased by another worker, skipping")
		return nil
	}
	defer func() {
		if err := r.leases.Release(context.WithoutCancel(ctx), identifier, r.holder); err != nil {
			logger.Warn("release lease failed", "err", err)
		}
	}()
	stopRenew := r.keepLease(ctx, identifier, logger)

	start := r.now()
	if err := r.store.ClaimProcess(ctx, identifier, r.holder, start); err != nil {
		stopRenew()
		if store.IsTerminal(err) {
			logger.Info("process finished before claim")
			return nil
		}
		return fmt.Errorf("claim process: %w", err)
	}
	logger.Info("process started")
	r.publish(ctx, rec, schema.StageRunning, nil, 0)

	w := &statusWriter{store: r.store, identifier: identifier}
	runErr := r.run(ctx, rec, w, logger)
	stopRenew()
	return r.finish(context.WithoutCancel(ctx), rec, w.last(), runErr, start, logger)
}

func (r *Runner) run(ctx context.Context, rec *process.Record, w *statusWriter, logger *slog.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if rec.OwnerID == "" {
		return process.Fail("Process must have an associated target")
	}
	if len(rec.InputIDs) == 0 {
		return process.Fail("No input files to process")
	}
	h, err := r.registry.Get(rec.JobType)
	if err != nil {
		return err
	}
	inputs, err := r.store.GetProducts(ctx, rec.InputIDs)
	if err != nil {
		return fmt.Errorf("load inputs: %w", err)
	}
	for _, in := range inputs {
		if err := pipeline.CheckSuffix(inputName(in), h.AllowedSuffixes()); err != nil {
			return err
		}
	}

	workdir, err := os.MkdirTemp(r.tempRoot, "tomedu-"+rec.Identifier+"-")
	if err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			logger.Warn("cleanup failed", "workdir", workdir, "err", err)
		}
	}()

	files, err := r.download(ctx, inputs, workdir)
	if err != nil {
		return err
	}
	job := pipeline.NewJob(rec.Identifier, rec.OwnerID, workdir, rec.Flags, files, w, logger)
	outputs, err := h.Run(ctx, job)
	if err != nil {
		return err
	}

	r.publish(ctx, rec, schema.StageSaving, nil, 0)
	if _, err := r.saver.Save(ctx, rec, inputs, outputs); err != nil {
		return err
	}
	return nil
}

// download copies the inputs into workdir, keeping their file names unique.
func (r *Runner) download(ctx context.Context, inputs []*store.DataProduct, workdir string) ([]pipeline.Input, error) {
	seen := map[string]int{}
	files := make([]pipeline.Input, 0, len(inputs))
	for _, in := range inputs {
		name := inputName(in)
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%d_%s", n, name)
		}
		seen[inputName(in)]++
		dst := filepath.Join(workdir, name)
		if err := r.copyInput(ctx, in, dst); err != nil {
			return nil, err
		}
		files = append(files, pipeline.Input{ProductID: in.ID, Path: dst, Filename: name})
	}
	return files, nil
}

func (r *Runner) copyInput(ctx context.Context, in *store.DataProduct, dst string) error {
	src, err := r.artifacts.Open(ctx, in.Storage, in.Location)
	if err != nil {
		return fmt.Errorf("open input %s: %w", in.ProductID, err)
	}
	defer src.Close()
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create input file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("copy input %s: %w", in.ProductID, err)
	}
	return f.Close()
}

func (r *Runner) finish(ctx context.Context, rec *process.Record, progress string, runErr error, start time.Time, logger *slog.Logger) error {
	now := r.now()
	rec.Progress = progress
	failure := schema.FailureType("")
	switch je, ok := process.AsJobError(runErr); {
	case runErr == nil:
		_ = rec.MarkCreated(now)
	case ok:
		failure = schema.FailureTypeJob
		_ = rec.MarkFailed(je.Message, now)
		logger.Info("job failed", "reason", je.Message)
	default:
		failure = schema.FailureTypeUnexpected
		_ = rec.MarkFailed(process.GenericFailureMessage, now)
		logger.Error("job failed unexpectedly", "err", runErr)
	}

	if err := r.store.FinishProcess(ctx, rec); err != nil {
		if store.IsTerminal(err) {
			logger.Warn("process was finished elsewhere", "err", err)
			return nil
		}
		return fmt.Errorf("finish process: %w", err)
	}

	elapsed := now.Sub(start)
	r.metrics.finished(rec.JobType, rec.Status, elapsed)
	stage := schema.StageCompleted
	if rec.Status == process.StatusFailed {
		stage = schema.StageFailed
	}
	var cause error
	if runErr != nil {
		cause = errors.New(*rec.FailureMessage)
	}
	r.publishFailure(ctx, rec, stage, cause, failure, elapsed)
	logger.Info("process finished", "status", rec.Status, "duration_ms", elapsed.Milliseconds())
	return nil
}

// keepLease renews the lease every ttl/3 until the returned stop is called.
func (r *Runner) keepLease(ctx context.Context, identifier string, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := r.leaseTTL / 3
		if interval <= 0 {
			interval = time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ok, err := r.leases.Renew(ctx, identifier, r.holder, r.leaseTTL)
				if err != nil {
					logger.Warn("renew lease failed", "err", err)
				} else if !ok {
					logger.Warn("lease lost")
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func inputName(p *store.DataProduct) string {
	if p.Filename != "" {
		return filepath.Base(p.Filename)
	}
	return filepath.Base(p.Location)
}

// statusWriter persists progress and log lines for one record.
type statusWriter struct {
	store      Store
	identifier string

	mu       sync.Mutex
	progress string
}

func (w *statusWriter) SetProgress(ctx context.Context, progress string) error {
	w.mu.Lock()
	w.progress = progress
	w.mu.Unlock()
	return w.store.SetProgress(ctx, w.identifier, progress)
}

func (w *statusWriter) AppendLog(ctx context.Context, text string) error {
	return w.store.AppendLog(ctx, w.identifier, text)
}

func (w *statusWriter) last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}
