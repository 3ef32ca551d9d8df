package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tendant/tom-education/internal/artifact"
	"github.com/tendant/tom-education/internal/output"
	"github.com/tendant/tom-education/internal/pipeline"
	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/pkg/schema"
)

type fakeHandler struct {
	run func(ctx context.Context, job *pipeline.Job) ([]pipeline.Output, error)
}

func (fakeHandler) ShortName() string { return "fk" }
func (fakeHandler) Flags() map[string]pipeline.Flag {
	return map[string]pipeline.Flag{"fast": {LongName: "Fast"}}
}
func (fakeHandler) AllowedSuffixes() []string { return []string{".fits"} }
func (h fakeHandler) Run(ctx context.Context, job *pipeline.Job) ([]pipeline.Output, error) {
	return h.run(ctx, job)
}

type captureQueue struct {
	mu   sync.Mutex
	msgs []schema.JobRequested
	err  error
}

func (q *captureQueue) Enqueue(_ context.Context, msg schema.JobRequested) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

type captureEvents struct {
	mu     sync.Mutex
	stages []schema.ProcessingStage
	last   schema.ProcessLifecycleEvent
}

func (c *captureEvents) PublishEvent(_ context.Context, evt schema.ProcessLifecycleEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, evt.Stage)
	c.last = evt
	return nil
}

type fixture struct {
	store  *store.Store
	fs     *artifact.FS
	runner *Runner
	queue  *captureQueue
	events *captureEvents
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, run func(ctx context.Context, job *pipeline.Job) ([]pipeline.Output, error)) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "runner.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fs, err := artifact.NewFS(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	set := artifact.NewSet(fs)
	reg := pipeline.NewRegistry()
	reg.MustRegister("fake", fakeHandler{run: run})

	f := &fixture{store: st, fs: fs, queue: &captureQueue{}, events: &captureEvents{}, reg: prometheus.NewRegistry()}
	f.runner = New(st, reg, output.NewSaver(st, set, logger), set, logger,
		WithLeaser(st.Leases()),
		WithEvents(f.events),
		WithMetrics(NewMetrics(f.reg)),
		WithWorkerID("w-test"),
		WithTempDir(t.TempDir()),
	)
	f.runner.SetQueue(f.queue)
	return f
}

func (f *fixture) addProduct(t *testing.T, owner, name, content string) int64 {
	t.Helper()
	ctx := context.Background()
	ref, err := f.fs.Put(ctx, artifact.Object{OwnerID: owner, Filename: name}, strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	p := &store.DataProduct{ProductID: owner + "/" + content + "/" + name, OwnerID: owner, Filename: name, Storage: ref.Storage, Location: ref.Location, URL: ref.URL}
	if err := f.store.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p.ID
}

func (f *fixture) submitAndRun(t *testing.T, owner string, inputs []int64) *process.Record {
	t.Helper()
	ctx := context.Background()
	id, err := f.runner.Submit(ctx, Submission{JobType: "fake", OwnerID: owner, InputIDs: inputs})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.runner.Execute(ctx, id); err != nil {
		t.Fatalf("execute: %v", err)
	}
	rec, err := f.store.GetProcess(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return rec
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	other := f.addProduct(t, "m42", "a.fits", "x")
	tests := []struct {
		name string
		sub  Submission
	}{
		{"unknown pipeline", Submission{JobType: "nope", OwnerID: "m51"}},
		{"missing owner", Submission{JobType: "fake", OwnerID: " "}},
		{"missing input", Submission{JobType: "fake", OwnerID: "m51", InputIDs: []int64{999}}},
		{"foreign input", Submission{JobType: "fake", OwnerID: "m51", InputIDs: []int64{other}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.runner.Submit(context.Background(), tt.sub)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	recs, err := f.store.ListProcesses(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 || len(f.queue.msgs) != 0 {
		t.Fatalf("rejected submissions left records behind: %d", len(recs))
	}
}

func TestSubmitResolvesFlagsAndEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	in := f.addProduct(t, "m51", "a.fits", "x")
	id, err := f.runner.Submit(context.Background(), Submission{
		JobType: "fake", OwnerID: "m51", InputIDs: []int64{in},
		Flags: map[string]bool{"fast": true, "bogus": true},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(id, "fk_m51_") {
		t.Fatalf("unexpected identifier %q", id)
	}
	rec, _ := f.store.GetProcess(context.Background(), id)
	if rec.Status != process.StatusPending || len(rec.Flags) != 1 || !rec.Flags["fast"] {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(f.queue.msgs) != 1 || f.queue.msgs[0].Identifier != id {
		t.Fatalf("unexpected queue: %+v", f.queue.msgs)
	}
	if f.events.stages[0] != schema.StageQueued {
		t.Fatalf("unexpected events: %v", f.events.stages)
	}
}

func TestExecuteSavesOutputs(t *testing.T) {
	var seen []pipeline.Input
	f := newFixture(t, func(ctx context.Context, job *pipeline.Job) ([]pipeline.Output, error) {
		seen = job.Inputs
		out := filepath.Join(job.Workdir, "movie.gif")
		err := job.Status(ctx, "Rendering", func() error {
			if err := job.Logf(ctx, "%d frames", len(job.Inputs)); err != nil {
				return err
			}
			return os.WriteFile(out, []byte("GIF89a"), 0o644)
		})
		return []pipeline.Output{{Path: out, Kind: pipeline.KindDataProduct, Tag: "timelapse"}}, err
	})
	a := f.addProduct(t, "m51", "frame.fits", "one")
	b := f.addProduct(t, "m51", "frame.fits", "two")

	rec := f.submitAndRun(t, "m51", []int64{a, b})
	if rec.Status != process.StatusCreated || rec.FailureMessage != nil || rec.TerminalAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Progress != "Rendering" || rec.Log != "2 frames\n" {
		t.Fatalf("status not persisted: progress=%q log=%q", rec.Progress, rec.Log)
	}
	if rec.GroupID == nil || rec.Worker != "w-test" || rec.StartedAt == nil {
		t.Fatalf("missing claim or group: %+v", rec)
	}
	if len(seen) != 2 || seen[0].Filename == seen[1].Filename {
		t.Fatalf("inputs not made unique: %+v", seen)
	}
	if _, err := os.Stat(filepath.Dir(seen[0].Path)); !os.IsNotExist(err) {
		t.Fatal("workdir not removed")
	}
	prods, err := f.store.ListProductsByTag(context.Background(), "m51", "timelapse")
	if err != nil || len(prods) != 1 || prods[0].ProductID != rec.Identifier+"_movie.gif" {
		t.Fatalf("output product not saved: %v %v", prods, err)
	}
	want := []schema.ProcessingStage{schema.StageQueued, schema.StageRunning, schema.StageSaving, schema.StageCompleted}
	if len(f.events.stages) != len(want) {
		t.Fatalf("stages = %v, want %v", f.events.stages, want)
	}
	for i := range want {
		if f.events.stages[i] != want[i] {
			t.Fatalf("stages = %v, want %v", f.events.stages, want)
		}
	}
	if got := testutil.ToFloat64(f.runner.metrics.finishedTotal.WithLabelValues("fake", "created")); got != 1 {
		t.Fatalf("finished metric = %v", got)
	}
	if held, _ := f.store.Leases().Held(context.Background(), rec.Identifier); held {
		t.Fatal("lease not released")
	}
}

func TestExecuteFailures(t *testing.T) {
	tests := []struct {
		name    string
		run     func(ctx context.Context, job *pipeline.Job) ([]pipeline.Output, error)
		file    string
		noInput bool
		want    string
		failure schema.FailureType
	}{
		{
			name: "job error",
			run: func(context.Context, *pipeline.Job) ([]pipeline.Output, error) {
				return nil, process.Fail("Empty data products list")
			},
			want:    "Empty data products list",
			failure: schema.FailureTypeJob,
		},
		{
			name: "unexpected error",
			run: func(context.Context, *pipeline.Job) ([]pipeline.Output, error) {
				return nil, errors.New("disk on fire")
			},
			want:    process.GenericFailureMessage,
			failure: schema.FailureTypeUnexpected,
		},
		{
			name: "panic",
			run: func(context.Context, *pipeline.Job) ([]pipeline.Output, error) {
				panic("boom")
			},
			want:    process.GenericFailureMessage,
			failure: schema.FailureTypeUnexpected,
		},
		{
			name:    "bad suffix",
			file:    "notes.txt",
			want:    "Error running pipeline File 'notes.txt' does not end an allowed filename suffix (.fits)",
			failure: schema.FailureTypeJob,
		},
		{
			name:    "no inputs",
			noInput: true,
			want:    "No input files to process",
			failure: schema.FailureTypeJob,
		},
		{
			name: "invalid output kind",
			run: func(context.Context, *pipeline.Job) ([]pipeline.Output, error) {
				return []pipeline.Output{{Path: "x", Kind: "spectrum"}}, nil
			},
			want:    "Invalid output type 'spectrum'",
			failure: schema.FailureTypeJob,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := tt.run
			if run == nil {
				run = func(context.Context, *pipeline.Job) ([]pipeline.Output, error) { return nil, nil }
			}
			f := newFixture(t, run)
			name := tt.file
			if name == "" {
				name = "frame.fits"
			}
			var inputs []int64
			if !tt.noInput {
				inputs = []int64{f.addProduct(t, "m51", name, "x")}
			}
			rec := f.submitAndRun(t, "m51", inputs)
			if rec.Status != process.StatusFailed || rec.FailureMessage == nil || *rec.FailureMessage != tt.want {
				t.Fatalf("unexpected record: status=%s msg=%v", rec.Status, rec.FailureMessage)
			}
			if f.events.last.Stage != schema.StageFailed || f.events.last.FailureType != tt.failure {
				t.Fatalf("unexpected final event: %+v", f.events.last)
			}
		})
	}
}

func TestExecuteSkipsLeasedRecord(t *testing.T) {
	called := false
	f := newFixture(t, func(context.Context, *pipeline.Job) ([]pipeline.Output, error) {
		called = true
		return nil, nil
	})
	ctx := context.Background()
	in := f.addProduct(t, "m51", "a.fits", "x")
	id, err := f.runner.Submit(ctx, Submission{JobType: "fake", OwnerID: "m51", InputIDs: []int64{in}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok, err := f.store.Leases().Acquire(ctx, id, "other-worker", time.Hour); err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if err := f.runner.Execute(ctx, id); err != nil {
		t.Fatalf("execute: %v", err)
	}
	rec, _ := f.store.GetProcess(ctx, id)
	if called || rec.Status != process.StatusPending {
		t.Fatalf("leased record executed: called=%v status=%s", called, rec.Status)
	}
}

func TestExecuteTerminalRecordIsNoop(t *testing.T) {
	f := newFixture(t, func(context.Context, *pipeline.Job) ([]pipeline.Output, error) { return nil, nil })
	in := f.addProduct(t, "m51", "a.fits", "x")
	rec := f.submitAndRun(t, "m51", []int64{in})
	if err := f.runner.Execute(context.Background(), rec.Identifier); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	again, _ := f.store.GetProcess(context.Background(), rec.Identifier)
	if again.Status != rec.Status || !again.TerminalAt.Equal(*rec.TerminalAt) {
		t.Fatal("terminal record changed")
	}
}

func TestSubmitEnqueueFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.err = ErrQueueClosed
	in := f.addProduct(t, "m51", "a.fits", "x")
	ctx := context.Background()
	if _, err := f.runner.Submit(ctx, Submission{JobType: "fake", OwnerID: "m51", InputIDs: []int64{in}}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected queue error, got %v", err)
	}
	recs, err := f.store.ListProcesses(ctx, "m51")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Status != process.StatusFailed || rec.TerminalAt == nil {
		t.Fatalf("unqueued record left %s", rec.Status)
	}
	if rec.FailureMessage == nil || *rec.FailureMessage != process.GenericFailureMessage {
		t.Fatalf("unexpected failure message: %v", rec.FailureMessage)
	}
	if len(f.events.stages) != 1 || f.events.stages[0] != schema.StageFailed {
		t.Fatalf("unexpected events: %v", f.events.stages)
	}
}

func TestLocalQueueRunsAndDrains(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []string
	)
	q := NewLocalQueue(func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, id)
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithWorkers(2), WithQueueSize(1), WithJobTimeout(time.Second))

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, schema.JobRequested{Identifier: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	q.Shutdown(shutdownCtx)

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 3 {
		t.Fatalf("ran %v", ran)
	}
	if err := q.Enqueue(ctx, schema.JobRequested{Identifier: "d"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after shutdown, got %v", err)
	}
}

func TestSyncQueueFinishesBeforeSubmitReturns(t *testing.T) {
	f := newFixture(t, func(_ context.Context, job *pipeline.Job) ([]pipeline.Output, error) {
		return nil, nil
	})
	f.runner.SetQueue(NewSyncQueue(f.runner.Execute))
	in := f.addProduct(t, "m51", "a.fits", "x")

	id, err := f.runner.Submit(context.Background(), Submission{JobType: "fake", OwnerID: "m51", InputIDs: []int64{in}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, err := f.store.GetProcess(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != process.StatusCreated {
		t.Fatalf("status = %s, want created", rec.Status)
	}
}
