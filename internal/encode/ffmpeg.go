package encode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// FFmpeg is the production Encoder: it shells out to ffmpeg, writes to
// a temp file next to the destination, and renames into place only
// after a sanity check. A crash or failure at any point leaves no
// artifact at the destination path.
type FFmpeg struct {
	bin string
}

// NewFFmpeg locates ffmpeg in PATH.
func NewFFmpeg() (*FFmpeg, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}
	return &FFmpeg{bin: bin}, nil
}

// NewFFmpegPath wraps an explicit binary path, bypassing PATH lookup.
func NewFFmpegPath(bin string) *FFmpeg {
	return &FFmpeg{bin: bin}
}

// Bin returns the resolved binary path.
func (f *FFmpeg) Bin() string {
	return f.bin
}

// Version returns the ffmpeg version string.
func (f *FFmpeg) Version() (string, error) {
	cmd := exec.Command(f.bin, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}

	// Parse "ffmpeg version 6.1.1 Copyright ..." to "6.1.1".
	line := strings.TrimSpace(string(output))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	parts := strings.Fields(line)
	if len(parts) >= 3 && parts[0] == "ffmpeg" && parts[1] == "version" {
		return parts[2], nil
	}
	return line, nil
}

// Encode transcodes src to an MP3 at dst using the preset.
func (f *FFmpeg) Encode(ctx context.Context, src, dst string, p Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tmp := dst + ".partial"
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", src, "-vn"}
	args = append(args, p.Args()...)
	args = append(args, "-f", "mp3", tmp)

	cmd := exec.CommandContext(ctx, f.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(tmp)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFFmpegNotFound, f.bin)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrEncodeFailed, src, err, firstLine(stderr.String()))
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %s: ffmpeg produced no output", ErrEncodeFailed, src)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move encoded file into place: %w", err)
	}
	return nil
}

// firstLine trims stderr to something log-friendly.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 200
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	if s == "" {
		s = "(no stderr)"
	}
	return s
}
