package img

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/tendant/tom-education/internal/converters"
)

// Renderer writes a sequence of equally sized frames as an animation.
type Renderer interface {
	Render(ctx context.Context, frames []*image.Gray, fps float64, dst string) error

	// Format returns the file extension without the dot
	Format() string
}

// ErrFrameSize is returned when frames differ in dimensions.
var ErrFrameSize = errors.New("frames differ in size")

// GetRenderer returns the renderer for a timelapse format:
//   - gif: image/gif with a gray palette
//   - mp4, webm: FFmpeg
func GetRenderer(format string) (Renderer, error) {
	format = strings.ToLower(format)
	switch format {
	case "gif":
		return GIFRenderer{}, nil
	case "mp4", "webm":
		enc, err := converters.GetEncoder(format)
		if err != nil {
			return nil, err
		}
		return NewVideoRenderer(format, enc), nil
	default:
		return nil, fmt.Errorf("unsupported timelapse format: %s (supported: %s)", format, strings.Join(SupportedFormats(), ", "))
	}
}

func SupportedFormats() []string {
	return []string{"gif", "mp4", "webm"}
}

func sameSize(frames []*image.Gray) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames")
	}
	want := frames[0].Bounds().Size()
	for i, f := range frames[1:] {
		if got := f.Bounds().Size(); got != want {
			return fmt.Errorf("%w: frame %d is %v, frame 0 is %v", ErrFrameSize, i+1, got, want)
		}
	}
	return nil
}
