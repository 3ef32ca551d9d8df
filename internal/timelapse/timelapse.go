// Package timelapse renders a sequence of FITS frames into an animation.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tendant/tom-education/internal/img"
	"github.com/tendant/tom-education/internal/pipeline"
	"github.com/tendant/tom-education/internal/process"
)

const (
	Name = "timelapse"
	Tag  = "timelapse"

	nameLayout = "2006-01-02-150405"
)

// Messages recorded on failed records.
const (
	MessageEmpty       = "Empty data products list"
	MessageInvalidSize = "Invalid parameters. Are all images the same size?"
	MessageBadFPS      = "FPS must be positive"
)

type Settings struct {
	Format string
	FPS    float64
	Size   int
}

func DefaultSettings() Settings {
	return Settings{Format: "gif", FPS: 10, Size: 500}
}

func (s Settings) Validate() error {
	if s.FPS <= 0 {
		return process.Fail(MessageBadFPS)
	}
	if _, err := img.GetRenderer(s.Format); err != nil {
		return process.Failf("Invalid format '%s'", s.Format)
	}
	return nil
}

// Handler is the timelapse pipeline.
type Handler struct {
	settings Settings
	now      func() time.Time
}

func New(settings Settings) *Handler {
	return &Handler{settings: settings, now: time.Now}
}

func (h *Handler) ShortName() string               { return Name }
func (h *Handler) Flags() map[string]pipeline.Flag { return nil }
func (h *Handler) AllowedSuffixes() []string       { return suffixes }

var suffixes = []string{".fits", ".fit", ".fts"}

// Accepts reports whether name can be a timelapse frame. Tile compressed
// frames are not decoded.
func Accepts(name string) bool {
	return pipeline.CheckSuffix(name, suffixes) == nil
}

// Filename is the output name for owner's timelapse rendered at now.
func Filename(owner, format string, now time.Time) string {
	return fmt.Sprintf("timelapse_%s_%s.%s", owner, now.Format(nameLayout), strings.ToLower(format))
}

func (h *Handler) Run(ctx context.Context, job *pipeline.Job) ([]pipeline.Output, error) {
	if len(job.Inputs) == 0 {
		return nil, process.Fail(MessageEmpty)
	}
	if err := h.settings.Validate(); err != nil {
		return nil, err
	}
	renderer, err := img.GetRenderer(h.settings.Format)
	if err != nil {
		return nil, err
	}

	var inputs []pipeline.Input
	err = job.Status(ctx, "Sorting frames", func() error {
		inputs, err = SortByDate(job.Inputs)
		return err
	})
	if err != nil {
		return nil, err
	}

	var frames []*image.Gray
	err = job.Status(ctx, "Converting frames", func() error {
		frames, err = LoadFrames(ctx, inputs, h.settings.Size, func(i int, in pipeline.Input) {
			_ = job.Logf(ctx, "Frame %d/%d: %s", i+1, len(inputs), in.Filename)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(job.Workdir, Filename(job.OwnerID, renderer.Format(), h.now()))
	err = job.Status(ctx, fmt.Sprintf("Rendering %s", strings.ToUpper(renderer.Format())), func() error {
		return render(ctx, renderer, frames, h.settings.FPS, dst)
	})
	if err != nil {
		return nil, err
	}
	job.Logger.Info("timelapse rendered", "frames", len(frames), "format", renderer.Format(), "fps", h.settings.FPS)
	return []pipeline.Output{{Path: dst, Kind: pipeline.KindDataProduct, Tag: Tag}}, nil
}

// SortByDate orders inputs by their DATE-OBS header.
func SortByDate(inputs []pipeline.Input) ([]pipeline.Input, error) {
	type dated struct {
		in pipeline.Input
		at time.Time
	}
	ds := make([]dated, 0, len(inputs))
	for _, in := range inputs {
		at, err := img.ObservationDate(in.Path)
		if err != nil {
			if errors.Is(err, img.ErrNoDate) {
				return nil, process.Failf("Could not find observation date in FITS header '%s' in file '%s'", img.DateField, in.Filename)
			}
			return nil, fmt.Errorf("read %s: %w", in.Filename, err)
		}
		ds = append(ds, dated{in: in, at: at})
	}
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].at.Before(ds[j].at) })
	out := make([]pipeline.Input, len(ds))
	for i, d := range ds {
		out[i] = d.in
	}
	return out, nil
}

// LoadFrames decodes and stretches every input. An unreadable image fails
// the job the same way mismatched sizes do.
func LoadFrames(ctx context.Context, inputs []pipeline.Input, size int, each func(int, pipeline.Input)) ([]*image.Gray, error) {
	frames := make([]*image.Gray, 0, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if each != nil {
			each(i, in)
		}
		raw, err := img.ReadRaw(in.Path)
		if err != nil {
			return nil, process.Fail(MessageInvalidSize)
		}
		frame, err := img.Frame(raw, size)
		if err != nil {
			return nil, process.Fail(MessageInvalidSize)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func render(ctx context.Context, r img.Renderer, frames []*image.Gray, fps float64, dst string) error {
	err := r.Render(ctx, frames, fps, dst)
	if errors.Is(err, img.ErrFrameSize) {
		return process.Fail(MessageInvalidSize)
	}
	return err
}

// RenderFiles renders local FITS files to dst without a process record.
func RenderFiles(ctx context.Context, paths []string, s Settings, dst string) error {
	if len(paths) == 0 {
		return process.Fail(MessageEmpty)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	renderer, err := img.GetRenderer(s.Format)
	if err != nil {
		return err
	}
	inputs := make([]pipeline.Input, len(paths))
	for i, p := range paths {
		inputs[i] = pipeline.Input{Path: p, Filename: filepath.Base(p)}
	}
	inputs, err = SortByDate(inputs)
	if err != nil {
		return err
	}
	frames, err := LoadFrames(ctx, inputs, s.Size, nil)
	if err != nil {
		return err
	}
	return render(ctx, renderer, frames, s.FPS, dst)
}
