package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jsarlin/musync/internal/fingerprint"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	// StateDirName is the directory inside the destination root that
	// holds the database, logs, and exports. It is never scanned,
	// named over, or pruned.
	StateDirName = ".musync"

	dbFileName    = "state.db"
	schemaVersion = "1"
)

// StateDir returns the state directory for a destination root.
func StateDir(destRoot string) string {
	return filepath.Join(destRoot, StateDirName)
}

// DBPath returns the database path for a destination root.
func DBPath(destRoot string) string {
	return filepath.Join(StateDir(destRoot), dbFileName)
}

// SQLite is the durable Store implementation: a single-file SQLite
// database in WAL mode. The full contents are loaded into memory at
// open, so lookups never touch the database; Commit and Prune write
// through so every acknowledged mutation is already on disk.
type SQLite struct {
	mu        sync.RWMutex
	conn      *sql.DB
	path      string
	entries   map[fingerprint.Fingerprint]Entry
	cache     map[string]cacheRow
	lastSync  time.Time
	recovered bool
}

var _ Store = (*SQLite)(nil)

type cacheRow struct {
	size     int64
	mtimeNS  int64
	strategy fingerprint.Strategy
	fp       fingerprint.Fingerprint
}

// Open opens (creating if necessary) the state database at path.
//
// A database that cannot be opened, fails its integrity check, or holds
// rows that no longer parse is treated as corrupt: the file is renamed
// aside with a .corrupt suffix and a fresh store takes its place. That
// recovery loses sync bookkeeping, not media; the next run simply
// re-plans against an empty state. Use Recovered to detect it.
//
// The caller must Close the store when done.
func Open(path string) (*SQLite, error) {
	s, err := open(path)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrCorrupt) {
		return nil, err
	}

	if qerr := quarantine(path); qerr != nil {
		return nil, fmt.Errorf("failed to set aside corrupt state database: %v (%w)", qerr, err)
	}
	s, rerr := open(path)
	if rerr != nil {
		return nil, fmt.Errorf("failed to reopen state database after recovery: %w", rerr)
	}
	s.recovered = true
	return s, nil
}

func open(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		conn:    conn,
		path:    path,
		entries: make(map[fingerprint.Fingerprint]Entry),
		cache:   make(map[string]cacheRow),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, pragma, err)
		}
	}

	var check string
	if err := s.conn.QueryRow("PRAGMA quick_check").Scan(&check); err != nil || check != "ok" {
		_ = s.Close()
		return nil, fmt.Errorf("%w: quick_check: %s (%v)", ErrCorrupt, check, err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// quarantine renames the damaged database aside and clears its WAL side
// files so a fresh database can be created at the same path.
func quarantine(path string) error {
	aside := fmt.Sprintf("%s.corrupt.%s", path, time.Now().UTC().Format("20060102-150405"))
	if err := os.Rename(path, aside); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, side := range []string{path + "-wal", path + "-shm"} {
		if err := os.Remove(side); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// initSchema creates tables and indexes if they don't exist. Idempotent.
func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		fingerprint  TEXT PRIMARY KEY,
		dest_name    TEXT NOT NULL UNIQUE,
		source_path  TEXT NOT NULL,
		format       TEXT NOT NULL,
		bitrate_kbps INTEGER NOT NULL DEFAULT 0,
		synced_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(source_path);

	CREATE TABLE IF NOT EXISTS scan_cache (
		source_path TEXT PRIMARY KEY,
		size        INTEGER NOT NULL,
		mtime_ns    INTEGER NOT NULL,
		strategy    TEXT NOT NULL,
		fingerprint TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %v", ErrCorrupt, err)
	}

	var version string
	err := s.conn.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.conn.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("%w: failed to read schema version: %v", ErrCorrupt, err)
	case version != schemaVersion:
		return fmt.Errorf("state schema version %s is not supported by this build (want %s)", version, schemaVersion)
	}
	return nil
}

// load reads the whole database into memory. Entry rows that fail to
// parse mean the database lies about its contents, which is corruption;
// cache rows are advisory and bad ones are simply dropped.
func (s *SQLite) load() error {
	rows, err := s.conn.Query(`
		SELECT fingerprint, dest_name, source_path, format, bitrate_kbps, synced_at
		FROM entries`)
	if err != nil {
		return fmt.Errorf("%w: failed to read entries: %v", ErrCorrupt, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var fp, syncedAt string
		if err := rows.Scan(&fp, &e.DestName, &e.SourcePath, &e.Format, &e.BitrateKbps, &syncedAt); err != nil {
			return fmt.Errorf("%w: failed to scan entry: %v", ErrCorrupt, err)
		}
		if e.Fingerprint, err = fingerprint.Parse(fp); err != nil {
			return fmt.Errorf("%w: entry %q: %v", ErrCorrupt, e.DestName, err)
		}
		if e.SyncedAt, err = time.Parse(time.RFC3339, syncedAt); err != nil {
			return fmt.Errorf("%w: entry %q: bad synced_at: %v", ErrCorrupt, e.DestName, err)
		}
		s.entries[e.Fingerprint] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: error iterating entries: %v", ErrCorrupt, err)
	}

	cacheRows, err := s.conn.Query(`
		SELECT source_path, size, mtime_ns, strategy, fingerprint
		FROM scan_cache`)
	if err != nil {
		return fmt.Errorf("%w: failed to read scan cache: %v", ErrCorrupt, err)
	}
	defer cacheRows.Close()

	for cacheRows.Next() {
		var path, strategy, fp string
		var row cacheRow
		if err := cacheRows.Scan(&path, &row.size, &row.mtimeNS, &strategy, &fp); err != nil {
			continue
		}
		parsed, err := fingerprint.Parse(fp)
		if err != nil {
			continue
		}
		row.strategy = fingerprint.Strategy(strategy)
		row.fp = parsed
		s.cache[path] = row
	}
	if err := cacheRows.Err(); err != nil {
		return fmt.Errorf("%w: error iterating scan cache: %v", ErrCorrupt, err)
	}

	var last string
	err = s.conn.QueryRow(`SELECT value FROM meta WHERE key = 'last_sync_at'`).Scan(&last)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, last); perr == nil {
			s.lastSync = t
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("%w: failed to read last sync time: %v", ErrCorrupt, err)
	}
	return nil
}

// Reset deletes the state database and its WAL side files, leaving the
// rest of the state directory (logs, exports) in place. The store must
// not be open.
func Reset(destRoot string) error {
	path := DBPath(destRoot)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// Recovered reports whether Open had to discard a corrupt database.
func (s *SQLite) Recovered() bool {
	return s.recovered
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// LastSync returns the completion time of the last flushed run.
func (s *SQLite) LastSync() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync, !s.lastSync.IsZero()
}

// Lookup returns the entry for a fingerprint, if any.
func (s *SQLite) Lookup(fp fingerprint.Fingerprint) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fp]
	return e, ok
}

// Entries returns all entries sorted by destination name.
func (s *SQLite) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestName < out[j].DestName })
	return out
}

// Len is the number of live entries.
func (s *SQLite) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Commit inserts or replaces the entry for its fingerprint. Durable on
// return.
func (s *SQLite) Commit(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	query := `
	INSERT INTO entries (fingerprint, dest_name, source_path, format, bitrate_kbps, synced_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO UPDATE SET
		dest_name = excluded.dest_name,
		source_path = excluded.source_path,
		format = excluded.format,
		bitrate_kbps = excluded.bitrate_kbps,
		synced_at = excluded.synced_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		e.Fingerprint.String(),
		e.DestName,
		e.SourcePath,
		e.Format,
		e.BitrateKbps,
		e.SyncedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to commit entry %s: %w", e.DestName, err)
	}

	s.mu.Lock()
	s.entries[e.Fingerprint] = e
	s.mu.Unlock()
	return nil
}

// Prune removes the entry for a fingerprint. Idempotent.
func (s *SQLite) Prune(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM entries WHERE fingerprint = ?`, fp.String())
	if err != nil {
		return fmt.Errorf("failed to prune entry %s: %w", fp, err)
	}

	s.mu.Lock()
	delete(s.entries, fp)
	s.mu.Unlock()
	return nil
}

// CachedFingerprint returns a cached fingerprint when path, size, mtime,
// and strategy all match.
func (s *SQLite) CachedFingerprint(key CacheKey) (fingerprint.Fingerprint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.cache[key.Path]
	if !ok || row.size != key.Size || row.mtimeNS != key.MTimeNS || row.strategy != key.Strategy {
		return fingerprint.Fingerprint{}, false
	}
	return row.fp, true
}

// RememberFingerprint records a computed fingerprint.
func (s *SQLite) RememberFingerprint(ctx context.Context, key CacheKey, fp fingerprint.Fingerprint) error {
	query := `
	INSERT INTO scan_cache (source_path, size, mtime_ns, strategy, fingerprint)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(source_path) DO UPDATE SET
		size = excluded.size,
		mtime_ns = excluded.mtime_ns,
		strategy = excluded.strategy,
		fingerprint = excluded.fingerprint
	`
	_, err := s.conn.ExecContext(ctx, query,
		key.Path, key.Size, key.MTimeNS, string(key.Strategy), fp.String())
	if err != nil {
		return fmt.Errorf("failed to cache fingerprint for %s: %w", key.Path, err)
	}

	s.mu.Lock()
	s.cache[key.Path] = cacheRow{size: key.Size, mtimeNS: key.MTimeNS, strategy: key.Strategy, fp: fp}
	s.mu.Unlock()
	return nil
}

// DropCacheExcept deletes cache rows for paths not in seen.
func (s *SQLite) DropCacheExcept(ctx context.Context, seen map[string]struct{}) error {
	s.mu.RLock()
	var stale []string
	for path := range s.cache {
		if _, ok := seen[path]; !ok {
			stale = append(stale, path)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, path := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM scan_cache WHERE source_path = ?`, path); err != nil {
			return fmt.Errorf("failed to drop stale cache row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache cleanup: %w", err)
	}

	s.mu.Lock()
	for _, path := range stale {
		delete(s.cache, path)
	}
	s.mu.Unlock()
	return nil
}

// Flush stamps the sync time and checkpoints the WAL so the main
// database file is complete on its own.
func (s *SQLite) Flush(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('last_sync_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}

	if _, err := s.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}

	s.mu.Lock()
	s.lastSync = now
	s.mu.Unlock()
	return nil
}

// Close checkpoints and closes the database.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	// Best effort: the data is already durable, checkpointing just
	// folds the WAL back into the main file.
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close state database: %w", err)
	}
	s.conn = nil
	return nil
}
