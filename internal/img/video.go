package img

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/tendant/tom-education/internal/converters"
)

// VideoRenderer writes frames as PNG stills and hands them to an encoder.
type VideoRenderer struct {
	format  string
	encoder converters.Encoder
}

func NewVideoRenderer(format string, enc converters.Encoder) *VideoRenderer {
	return &VideoRenderer{format: format, encoder: enc}
}

func (v *VideoRenderer) Format() string { return v.format }

func (v *VideoRenderer) Render(ctx context.Context, frames []*image.Gray, fps float64, dst string) error {
	if err := sameSize(frames); err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "tomedu-frames-")
	if err != nil {
		return fmt.Errorf("mkdir frames: %w", err)
	}
	defer os.RemoveAll(dir)

	for i, f := range frames {
		if err := imaging.Save(f, filepath.Join(dir, fmt.Sprintf("frame_%05d.png", i))); err != nil {
			return fmt.Errorf("save frame %d: %w", i, err)
		}
	}
	if err := v.encoder.Encode(ctx, filepath.Join(dir, "frame_%05d.png"), dst, fps); err != nil {
		return fmt.Errorf("encode %s: %w", v.format, err)
	}
	return nil
}
