package converters

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpegEncoder uses FFmpeg to encode frame sequences.
type FFmpegEncoder struct {
	binary string
}

func NewFFmpegEncoder() *FFmpegEncoder {
	return &FFmpegEncoder{binary: "ffmpeg"}
}

func (f *FFmpegEncoder) Name() string {
	return "ffmpeg"
}

func (f *FFmpegEncoder) Supports(format string) bool {
	switch strings.ToLower(format) {
	case "mp4", "webm":
		return true
	}
	return false
}

func (f *FFmpegEncoder) Encode(ctx context.Context, pattern, output string, fps float64) error {
	if _, err := exec.LookPath(f.binary); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(output)), ".")
	args, err := encodeArgs(format, pattern, output, fps)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, f.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(out))
	}
	return nil
}

// encodeArgs builds the ffmpeg command line:
// -framerate: input rate of the still frames
// -vf pad: libx264 and libvpx need even dimensions
// -pix_fmt yuv420p: playable in browsers
// -f: explicit container format
func encodeArgs(format, pattern, output string, fps float64) ([]string, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("fps must be positive (got %v)", fps)
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", pattern,
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-pix_fmt", "yuv420p",
	}
	switch format {
	case "mp4":
		args = append(args, "-c:v", "libx264", "-movflags", "+faststart")
	case "webm":
		args = append(args, "-c:v", "libvpx", "-b:v", "1M")
	default:
		return nil, fmt.Errorf("unsupported video format: %s", format)
	}
	return append(args, "-f", format, "-y", output), nil
}

// Probe returns metadata about the video file
func (f *FFmpegEncoder) Probe(ctx context.Context, input string) (*FileInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration",
		"-show_entries", "format=size",
		"-of", "default=noprint_wrappers=1",
		input,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(output))
	}
	return parseProbe(string(output)), nil
}

func parseProbe(output string) *FileInfo {
	info := &FileInfo{}
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "width":
			if w, err := strconv.Atoi(value); err == nil {
				info.Width = w
			}
		case "height":
			if h, err := strconv.Atoi(value); err == nil {
				info.Height = h
			}
		case "duration":
			if d, err := strconv.ParseFloat(value, 64); err == nil {
				info.Duration = d
			}
		case "size":
			if s, err := strconv.ParseInt(value, 10, 64); err == nil {
				info.Size = s
			}
		}
	}
	return info
}
