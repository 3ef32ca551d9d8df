// Package converters wraps external tools that encode frame sequences into
// video files.
package converters

import (
	"context"
	"fmt"
	"strings"
)

// Encoder turns numbered still frames into a video.
type Encoder interface {
	// Name returns the encoder name (e.g., "ffmpeg")
	Name() string

	// Supports returns true if this encoder can produce the given format
	Supports(format string) bool

	// Encode reads frames matching pattern (printf style, e.g. frame_%05d.png)
	// and writes output at fps frames per second.
	Encode(ctx context.Context, pattern, output string, fps float64) error

	// Probe returns metadata about an encoded file
	Probe(ctx context.Context, input string) (*FileInfo, error)
}

// FileInfo contains metadata about a media file
type FileInfo struct {
	Width    int
	Height   int
	Duration float64 // seconds
	Size     int64
}

// GetEncoder returns the encoder for a video format.
func GetEncoder(format string) (Encoder, error) {
	format = strings.ToLower(format)
	enc := NewFFmpegEncoder()
	if enc.Supports(format) {
		return enc, nil
	}
	return nil, fmt.Errorf("unsupported video format: %s (supported: %s)", format, strings.Join(SupportedFormats(), ", "))
}

func SupportedFormats() []string {
	return []string{"mp4", "webm"}
}
