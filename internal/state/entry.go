// Package state persists the outcome of sync work: one entry per content
// fingerprint, recording which destination artifact carries that content.
//
// The store is the tool's memory between runs. It lives inside the
// destination tree (under .musync/) so it travels with the artifacts it
// describes, and it is written through a single committer so a crash can
// lose at most the jobs that were still in flight.
package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/jsarlin/musync/internal/fingerprint"
)

// Entry records one synced artifact. An entry exists exactly when the
// destination artifact is believed to exist and be valid: it is created
// on job success, its SourcePath is updated when content moves within
// the source tree, and it is removed when the artifact is pruned.
type Entry struct {
	// Fingerprint of the source content. Primary key.
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`

	// DestName is the flattened filename inside the destination root.
	// A bare name, never a path.
	DestName string `json:"dest_name"`

	// SourcePath is where the content lived at the last sync. Updated
	// on relink; purely informational for planning and display.
	SourcePath string `json:"source_path"`

	// Format is the artifact codec, e.g. "mp3".
	Format string `json:"format"`

	// BitrateKbps is the encode bitrate, 0 for copied files.
	BitrateKbps int `json:"bitrate_kbps,omitempty"`

	// SyncedAt is when the artifact was last written or relinked.
	SyncedAt time.Time `json:"synced_at"`
}

// Validate checks that the entry is complete enough to persist.
func (e *Entry) Validate() error {
	if e.Fingerprint.IsZero() {
		return fmt.Errorf("fingerprint is required")
	}
	if e.DestName == "" {
		return fmt.Errorf("dest_name is required")
	}
	if strings.ContainsAny(e.DestName, `/\`) || strings.ContainsRune(e.DestName, 0) {
		return fmt.Errorf("dest_name %q must be a bare filename", e.DestName)
	}
	if e.DestName == "." || e.DestName == ".." {
		return fmt.Errorf("dest_name %q is not a valid filename", e.DestName)
	}
	if e.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	if e.Format == "" {
		return fmt.Errorf("format is required")
	}
	if e.SyncedAt.IsZero() {
		return fmt.Errorf("synced_at is required")
	}
	return nil
}

// CacheKey identifies a cached fingerprint computation. A cache hit
// requires the path, size, modification time, and hashing strategy to
// all match; any drift forces a re-hash.
type CacheKey struct {
	Path     string
	Size     int64
	MTimeNS  int64
	Strategy fingerprint.Strategy
}
