package timelapse

import (
	"context"
	"image/gif"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tendant/tom-education/internal/img/fitstest"
	"github.com/tendant/tom-education/internal/pipeline"
	"github.com/tendant/tom-education/internal/process"
)

type memWriter struct {
	progress []string
	log      strings.Builder
}

func (w *memWriter) SetProgress(_ context.Context, p string) error {
	w.progress = append(w.progress, p)
	return nil
}

func (w *memWriter) AppendLog(_ context.Context, text string) error {
	w.log.WriteString(text)
	return nil
}

func writeFrames(t *testing.T, dir string, frames map[string]fitstest.Image) []pipeline.Input {
	t.Helper()
	var inputs []pipeline.Input
	for name, im := range frames {
		p := filepath.Join(dir, name)
		fitstest.WriteFile(t, p, im)
		inputs = append(inputs, pipeline.Input{Path: p, Filename: name})
	}
	return inputs
}

func newJob(t *testing.T, inputs []pipeline.Input) (*pipeline.Job, *memWriter) {
	w := &memWriter{}
	return pipeline.NewJob("timelapse_m51_20240305140000", "m51", t.TempDir(), nil, inputs, w, nil), w
}

func TestRunRendersSortedGIF(t *testing.T) {
	dir := t.TempDir()
	inputs := writeFrames(t, dir, map[string]fitstest.Image{
		"late.fits":  {Width: 20, Height: 10, DateObs: "2019-05-21T12:30:00"},
		"early.fits": {Width: 20, Height: 10, DateObs: "2019-05-20T12:30:00"},
		"mid.fits":   {Width: 20, Height: 10, DateObs: "2019-05-21T01:00:00.5"},
	})
	h := New(Settings{Format: "gif", FPS: 5, Size: 500})
	h.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }
	job, w := newJob(t, inputs)

	outs, err := h.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outs) != 1 || outs[0].Kind != pipeline.KindDataProduct || outs[0].Tag != Tag {
		t.Fatalf("unexpected outputs: %+v", outs)
	}
	if got := filepath.Base(outs[0].Path); got != "timelapse_m51_2024-03-05-140709.gif" {
		t.Fatalf("unexpected output name %q", got)
	}
	f, err := os.Open(outs[0].Path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	anim, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatalf("decode gif: %v", err)
	}
	if len(anim.Image) != 3 || anim.Delay[0] != 20 {
		t.Fatalf("unexpected gif: frames=%d delays=%v", len(anim.Image), anim.Delay)
	}
	wantLog := "Frame 1/3: early.fits\nFrame 2/3: mid.fits\nFrame 3/3: late.fits\n"
	if w.log.String() != wantLog {
		t.Fatalf("frames not sorted by date:\n%s", w.log.String())
	}
	if w.progress[len(w.progress)-1] != "Rendering GIF" {
		t.Fatalf("unexpected progress: %v", w.progress)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name     string
		frames   map[string]fitstest.Image
		settings Settings
		want     string
	}{
		{
			name:     "empty",
			settings: DefaultSettings(),
			want:     MessageEmpty,
		},
		{
			name:     "missing date",
			frames:   map[string]fitstest.Image{"nodate.fits": {Width: 4, Height: 4}},
			settings: DefaultSettings(),
			want:     "Could not find observation date in FITS header 'DATE-OBS' in file 'nodate.fits'",
		},
		{
			name: "mixed sizes",
			frames: map[string]fitstest.Image{
				"a.fits": {Width: 4, Height: 4, DateObs: "2019-05-20T00:00:00"},
				"b.fits": {Width: 8, Height: 4, DateObs: "2019-05-21T00:00:00"},
			},
			settings: DefaultSettings(),
			want:     MessageInvalidSize,
		},
		{
			name:     "bad fps",
			frames:   map[string]fitstest.Image{"a.fits": {Width: 4, Height: 4, DateObs: "2019-05-20T00:00:00"}},
			settings: Settings{Format: "gif", FPS: 0, Size: 10},
			want:     MessageBadFPS,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inputs []pipeline.Input
			if tt.frames != nil {
				inputs = writeFrames(t, t.TempDir(), tt.frames)
			}
			job, _ := newJob(t, inputs)
			_, err := New(tt.settings).Run(context.Background(), job)
			je, ok := process.AsJobError(err)
			if !ok || je.Message != tt.want {
				t.Fatalf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestUnreadableFrame(t *testing.T) {
	dir := t.TempDir()
	inputs := writeFrames(t, dir, map[string]fitstest.Image{"a.fits": {Width: 4, Height: 4, DateObs: "2019-05-20T00:00:00"}})
	_, err := LoadFrames(context.Background(), append(inputs, pipeline.Input{Path: filepath.Join(dir, "missing.fits"), Filename: "missing.fits"}), 10, nil)
	if je, ok := process.AsJobError(err); !ok || je.Message != MessageInvalidSize {
		t.Fatalf("expected invalid size failure, got %v", err)
	}
}

func TestRenderFiles(t *testing.T) {
	dir := t.TempDir()
	inputs := writeFrames(t, dir, map[string]fitstest.Image{
		"a.fits": {Width: 6, Height: 6, DateObs: "2019-05-20T00:00:00"},
		"b.fits": {Width: 6, Height: 6, DateObs: "2019-05-21T00:00:00"},
	})
	dst := filepath.Join(dir, "out.gif")
	if err := RenderFiles(context.Background(), []string{inputs[0].Path, inputs[1].Path}, DefaultSettings(), dst); err != nil {
		t.Fatalf("RenderFiles: %v", err)
	}
	if info, err := os.Stat(dst); err != nil || info.Size() == 0 {
		t.Fatalf("no output written: %v", err)
	}
}

func TestHandlerRegisters(t *testing.T) {
	r := pipeline.NewRegistry()
	if err := r.Register(Name, New(DefaultSettings())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := pipeline.CheckSuffix("frame.fts", New(DefaultSettings()).AllowedSuffixes()); err != nil {
		t.Fatalf("fts rejected: %v", err)
	}
}
