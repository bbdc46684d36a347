package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Converter transcodes audio bytes between container formats.
type Converter interface {
	Convert(ctx context.Context, data []byte, srcFormat, dstFormat string) ([]byte, error)
}

// ContentType maps a format tag to its MIME type.
func ContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "opus", "ogg":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

// SupportedFormat reports whether format is a recognized response format.
func SupportedFormat(format string) bool {
	switch format {
	case "mp3", "opus", "ogg", "wav":
		return true
	}
	return false
}

// FFmpegConverter shells out to ffmpeg for format conversion.
type FFmpegConverter struct {
	Timeout time.Duration
}

func NewFFmpegConverter() *FFmpegConverter {
	return &FFmpegConverter{Timeout: 30 * time.Second}
}

func (c *FFmpegConverter) Convert(ctx context.Context, data []byte, srcFormat, dstFormat string) ([]byte, error) {
	if srcFormat == dstFormat {
		return data, nil
	}
	if !SupportedFormat(dstFormat) {
		return nil, fmt.Errorf("unsupported target format %q", dstFormat)
	}

	in, err := os.CreateTemp("", "cachevoice-in-*."+srcFormat)
	if err != nil {
		return nil, err
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, err
	}
	in.Close()

	out, err := os.CreateTemp("", "cachevoice-out-*."+dstFormat)
	if err != nil {
		return nil, err
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	var args []string
	switch dstFormat {
	case "opus":
		// OGG Opus container, voice-tuned.
		args = []string{"-y", "-i", in.Name(),
			"-c:a", "libopus", "-b:a", "64k", "-ar", "48000", "-ac", "1",
			"-application", "voip", "-f", "ogg", outPath}
	case "ogg":
		args = []string{"-y", "-i", in.Name(),
			"-c:a", "libvorbis", "-q:a", "4", "-f", "ogg", outPath}
	case "wav":
		args = []string{"-y", "-i", in.Name(), "-f", "wav", outPath}
	case "mp3":
		args = []string{"-y", "-i", in.Name(), "-f", "mp3", outPath}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s -> %s: %w", srcFormat, dstFormat, err)
	}
	return os.ReadFile(outPath)
}

// NopConverter refuses every conversion; callers fall back to the source
// format.
type NopConverter struct{}

func (NopConverter) Convert(_ context.Context, _ []byte, srcFormat, dstFormat string) ([]byte, error) {
	return nil, fmt.Errorf("conversion %s -> %s unavailable", srcFormat, dstFormat)
}
