package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tendant/tom-education/internal/process"
)

type stubHandler struct {
	short    string
	flags    map[string]Flag
	suffixes []string
}

func (s stubHandler) ShortName() string         { return s.short }
func (s stubHandler) Flags() map[string]Flag    { return s.flags }
func (s stubHandler) AllowedSuffixes() []string { return s.suffixes }

func (s stubHandler) Run(context.Context, *Job) ([]Output, error) {
	return nil, nil
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("timelapse", stubHandler{short: "tl"})
	r.MustRegister("autovar", stubHandler{short: "av"})
	if got := r.Names(); !reflect.DeepEqual(got, []string{"autovar", "timelapse"}) {
		t.Fatalf("unexpected names: %v", got)
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownPipeline) {
		t.Fatalf("expected ErrUnknownPipeline, got %v", err)
	}
	if !r.Has("autovar") {
		t.Fatal("registered pipeline not found")
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
	}{
		{"bad name", stubHandler{short: "x"}},
		{"flag with space", stubHandler{short: "x", flags: map[string]Flag{"with space": {}}}},
		{"empty short name", stubHandler{}},
		{"nil handler", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			name := "ok"
			if tt.name == "bad name" {
				name = "has space"
			}
			if err := r.Register(name, tt.handler); !errors.Is(err, ErrInvalidPipeline) {
				t.Fatalf("expected ErrInvalidPipeline, got %v", err)
			}
		})
	}

	r := NewRegistry()
	r.MustRegister("dup", stubHandler{short: "d"})
	if err := r.Register("dup", stubHandler{short: "d"}); !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}
}

func TestResolveFlags(t *testing.T) {
	h := stubHandler{short: "x", flags: map[string]Flag{
		"fast":  {Default: true, LongName: "Fast mode"},
		"debug": {LongName: "Debug"},
	}}
	got := ResolveFlags(h, map[string]bool{"fast": true, "debug": false, "unknown": true})
	want := map[string]bool{"fast": true, "debug": false}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolveFlags = %v, want %v", got, want)
	}
	if got := ResolveFlags(stubHandler{short: "x"}, map[string]bool{"fast": true}); len(got) != 0 {
		t.Fatalf("flags leaked into flagless handler: %v", got)
	}
}

func TestCheckSuffix(t *testing.T) {
	allowed := []string{".fits", ".fz"}
	if err := CheckSuffix("frame.fits", allowed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckSuffix("anything", nil); err != nil {
		t.Fatalf("nil suffixes should allow anything: %v", err)
	}
	err := CheckSuffix("notes.txt", allowed)
	je, ok := process.AsJobError(err)
	if !ok {
		t.Fatalf("expected job error, got %v", err)
	}
	want := "Error running pipeline File 'notes.txt' does not end an allowed filename suffix (.fits, .fz)"
	if je.Message != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", je.Message, want)
	}
}

type recordingWriter struct {
	progress []string
	log      string
}

func (w *recordingWriter) SetProgress(_ context.Context, p string) error {
	w.progress = append(w.progress, p)
	return nil
}

func (w *recordingWriter) AppendLog(_ context.Context, text string) error {
	w.log += text
	return nil
}

func TestJobStatusScopes(t *testing.T) {
	w := &recordingWriter{}
	job := NewJob("tl_1_x", "1", t.TempDir(), nil, nil, w, nil)
	ctx := context.Background()

	err := job.Status(ctx, "Rendering", func() error {
		return job.Status(ctx, "Encoding", func() error {
			if job.Progress() != "Encoding" {
				t.Fatalf("inner progress = %q", job.Progress())
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []string{"Rendering", "Encoding", "Rendering", "Rendering"}
	if !reflect.DeepEqual(w.progress, want) {
		t.Fatalf("progress writes = %v, want %v", w.progress, want)
	}
}

func TestJobStatusSequentialScopes(t *testing.T) {
	w := &recordingWriter{}
	job := NewJob("tl_1_x", "1", t.TempDir(), nil, nil, w, nil)
	ctx := context.Background()

	for _, stage := range []string{"Sorting frames", "Converting frames", "Rendering GIF"} {
		if err := job.Status(ctx, stage, func() error { return nil }); err != nil {
			t.Fatalf("Status %s: %v", stage, err)
		}
	}
	want := []string{
		"Sorting frames", "Sorting frames",
		"Converting frames", "Converting frames",
		"Rendering GIF", "Rendering GIF",
	}
	if !reflect.DeepEqual(w.progress, want) {
		t.Fatalf("progress writes = %v, want %v", w.progress, want)
	}
	if job.Progress() != "Rendering GIF" {
		t.Fatalf("final progress = %q", job.Progress())
	}
}

func TestJobStatusPersistsOnPanic(t *testing.T) {
	w := &recordingWriter{}
	job := NewJob("tl_1_x", "1", t.TempDir(), nil, nil, w, nil)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = job.Status(context.Background(), "Rendering", func() error { panic("boom") })
	}()
	if len(w.progress) != 2 {
		t.Fatalf("expected progress to be written on entry and exit, got %v", w.progress)
	}
}

func TestJobStatusReturnsWorkError(t *testing.T) {
	job := NewJob("tl_1_x", "1", t.TempDir(), nil, nil, &recordingWriter{}, nil)
	want := process.Fail("Empty data products list")
	if err := job.Status(context.Background(), "x", func() error { return want }); err != want {
		t.Fatalf("expected work error, got %v", err)
	}
}

func TestJobLogf(t *testing.T) {
	w := &recordingWriter{}
	job := NewJob("tl_1_x", "1", t.TempDir(), nil, nil, w, nil)
	if err := job.Logf(context.Background(), "frame %d of %d", 1, 2); err != nil {
		t.Fatalf("Logf: %v", err)
	}
	if err := job.Logf(context.Background(), "done"); err != nil {
		t.Fatalf("Logf: %v", err)
	}
	if w.log != "frame 1 of 2\ndone\n" {
		t.Fatalf("unexpected log: %q", w.log)
	}
}
