package state

import (
	"context"
	"errors"

	"github.com/jsarlin/musync/internal/fingerprint"
)

// ErrCorrupt marks a state database that could not be opened or read.
// Open recovers by setting the damaged file aside and starting empty;
// the error surfaces only when even that fails.
var ErrCorrupt = errors.New("state database corrupt")

// Store is the durable fingerprint-to-artifact mapping plus the
// fingerprint scan cache. Reads are served from memory and are safe from
// any goroutine; Commit and Prune must be called from a single committer
// goroutine (the scheduler's writer) so that state mutations stay
// serialized no matter how many workers run.
type Store interface {
	// Lookup returns the entry for a fingerprint, if any.
	Lookup(fp fingerprint.Fingerprint) (Entry, bool)

	// Entries returns a snapshot of all entries, sorted by destination
	// name for deterministic iteration.
	Entries() []Entry

	// Len is the number of live entries.
	Len() int

	// Commit inserts or replaces the entry for its fingerprint. The
	// write is durable when Commit returns. A failed Commit is fatal to
	// the run: continuing would desynchronize state from disk.
	Commit(ctx context.Context, e Entry) error

	// Prune removes the entry for a fingerprint. Removing an absent
	// entry is a no-op.
	Prune(ctx context.Context, fp fingerprint.Fingerprint) error

	// CachedFingerprint returns a previously computed fingerprint when
	// the key (path, size, mtime, strategy) matches exactly.
	CachedFingerprint(key CacheKey) (fingerprint.Fingerprint, bool)

	// RememberFingerprint records a computed fingerprint for later runs.
	// The cache is advisory: losing it costs re-hashing, never
	// correctness, so callers may ignore its errors.
	RememberFingerprint(ctx context.Context, key CacheKey, fp fingerprint.Fingerprint) error

	// DropCacheExcept deletes cache rows for paths not in seen, keeping
	// the cache from growing without bound as sources come and go.
	DropCacheExcept(ctx context.Context, seen map[string]struct{}) error

	// Flush forces all state to stable storage and stamps the sync time.
	Flush(ctx context.Context) error

	// Close releases the store. The store is unusable afterwards.
	Close() error
}
