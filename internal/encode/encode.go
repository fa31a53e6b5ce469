// Package encode turns source audio into MP3 artifacts by driving an
// external ffmpeg binary. The encoder is a black box to the rest of the
// tool: callers hand it a source, a destination, and a preset, and get
// back a finished artifact or an error.
package encode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Common errors. Check with errors.Is:
//
//	if errors.Is(err, encode.ErrFFmpegNotFound) {
//	    // ffmpeg is not installed or not in PATH
//	}
var (
	// ErrFFmpegNotFound means the ffmpeg binary could not be located.
	// Detected up front, before any work is scheduled.
	ErrFFmpegNotFound = errors.New("ffmpeg binary not found")

	// ErrEncodeFailed means ffmpeg exited non-zero or produced an
	// empty output. The partial artifact has been discarded; the
	// failure is per-file.
	ErrEncodeFailed = errors.New("encode failed")
)

// Encoder produces one destination artifact from one source file. The
// write must be all-or-nothing: on error, nothing may remain at dst.
type Encoder interface {
	Encode(ctx context.Context, src, dst string, p Preset) error
}

// Preset is a named encoder configuration. Exactly one of BitrateKbps
// (constant bitrate) or Quality (libmp3lame VBR level, 0 is best) is
// set.
type Preset struct {
	Name        string
	BitrateKbps int
	Quality     *int
}

// Validate checks the preset is well-formed.
func (p Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	cbr := p.BitrateKbps != 0
	vbr := p.Quality != nil
	if cbr == vbr {
		return fmt.Errorf("preset %q must set exactly one of bitrate or quality", p.Name)
	}
	if cbr && (p.BitrateKbps < 32 || p.BitrateKbps > 320) {
		return fmt.Errorf("preset %q: bitrate %d out of range 32..320", p.Name, p.BitrateKbps)
	}
	if vbr && (*p.Quality < 0 || *p.Quality > 9) {
		return fmt.Errorf("preset %q: quality %d out of range 0..9", p.Name, *p.Quality)
	}
	return nil
}

// Args returns the ffmpeg audio-codec arguments this preset encodes
// with.
func (p Preset) Args() []string {
	args := []string{"-codec:a", "libmp3lame"}
	if p.Quality != nil {
		return append(args, "-q:a", strconv.Itoa(*p.Quality))
	}
	return append(args, "-b:a", fmt.Sprintf("%dk", p.BitrateKbps))
}

// String renders the preset for logs and summaries.
func (p Preset) String() string {
	if p.Quality != nil {
		return fmt.Sprintf("%s (vbr q%d)", p.Name, *p.Quality)
	}
	return fmt.Sprintf("%s (%d kbps)", p.Name, p.BitrateKbps)
}

// WithBitrate returns a copy of p forced to a constant bitrate. Used
// when --bitrate overrides the selected preset.
func (p Preset) WithBitrate(kbps int) Preset {
	p.BitrateKbps = kbps
	p.Quality = nil
	if p.Name == "" {
		p.Name = fmt.Sprintf("cbr%d", kbps)
	}
	return p
}
