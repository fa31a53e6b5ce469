// Package fingerprint computes content fingerprints for media files.
//
// A fingerprint identifies a file by what is in it, not where it lives:
// two byte-identical files always produce the same fingerprint regardless
// of path, name, or timestamps. The sync planner relies on this to tell
// "renamed or moved" apart from "new content".
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// ErrUnreadable marks a source file that could not be opened or read.
// Callers skip the file and carry on; the condition is per-file, never
// fatal to a run.
var ErrUnreadable = errors.New("source file unreadable")

// Fingerprint is a 32-byte BLAKE3 digest of file content.
type Fingerprint [32]byte

// String returns the canonical hex form used in state storage and logs.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero fingerprint. The zero value is
// never produced by hashing and stands for "not computed".
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler for JSON export.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse parses the 64-character hex form back into a Fingerprint.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(decoded) != len(f) {
		return f, fmt.Errorf("fingerprint is %d bytes, want %d", len(decoded), len(f))
	}
	copy(f[:], decoded)
	return f, nil
}

// Strategy selects how much of a file feeds the digest.
type Strategy string

const (
	// Full hashes the entire file. The default: collision-free in
	// practice and still fast, BLAKE3 outruns most disks.
	Full Strategy = "full"

	// Partial hashes the first and last window of the file plus its
	// length. A cheap approximation for very large lossless libraries;
	// files that differ only in untouched middle bytes will collide.
	Partial Strategy = "partial"
)

// partialWindow is how many bytes Partial reads from each end.
const partialWindow = 1 << 20

// ParseStrategy validates a strategy name from config or flags.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Full, Partial:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown fingerprint strategy %q (want %q or %q)", s, Full, Partial)
}

// Domain keys for BLAKE3 keyed hashing. Full and partial digests live in
// separate spaces so a strategy switch can never alias entries; the byte
// values are the ASCII domain name, zero-padded to 32 bytes.
var (
	fullKey = [32]byte{
		'm', 'u', 's', 'y', 'n', 'c', '.', 'f', 'p', '.',
		'f', 'u', 'l', 'l',
	}

	partialKey = [32]byte{
		'm', 'u', 's', 'y', 'n', 'c', '.', 'f', 'p', '.',
		'p', 'a', 'r', 't', 'i', 'a', 'l',
	}
)

// File computes the fingerprint of the file at path under strategy s.
// Any open, stat, or read failure is reported as ErrUnreadable.
func File(path string, s Strategy) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, unreadable(path, err)
	}
	defer f.Close()

	switch s {
	case Partial:
		return partial(f, path)
	default:
		return full(f, path)
	}
}

func full(f *os.File, path string) (Fingerprint, error) {
	hasher, err := blake3.NewKeyed(fullKey[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	if _, err := io.Copy(hasher, f); err != nil {
		return Fingerprint{}, unreadable(path, err)
	}
	return sum(hasher), nil
}

// partial digests the first and last partialWindow bytes plus the file
// length. Small files (at most two windows) are digested whole so the
// two reads never overlap.
func partial(f *os.File, path string) (Fingerprint, error) {
	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, unreadable(path, err)
	}

	hasher, err := blake3.NewKeyed(partialKey[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	size := info.Size()
	if size <= 2*partialWindow {
		if _, err := io.Copy(hasher, f); err != nil {
			return Fingerprint{}, unreadable(path, err)
		}
	} else {
		if _, err := io.CopyN(hasher, f, partialWindow); err != nil {
			return Fingerprint{}, unreadable(path, err)
		}
		if _, err := f.Seek(-partialWindow, io.SeekEnd); err != nil {
			return Fingerprint{}, unreadable(path, err)
		}
		if _, err := io.CopyN(hasher, f, partialWindow); err != nil {
			return Fingerprint{}, unreadable(path, err)
		}
	}

	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(size))
	hasher.Write(length[:])

	return sum(hasher), nil
}

func sum(hasher *blake3.Hasher) Fingerprint {
	var f Fingerprint
	copy(f[:], hasher.Sum(nil))
	return f
}

func unreadable(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
}
