// Package watch keeps a destination continuously in sync: it watches
// the source tree for changes and re-runs the engine after each burst
// of filesystem activity settles.
//
// Runs are full reconciles. The fingerprint cache makes an unchanged
// file nearly free to revisit, so the watcher never tracks individual
// paths; any relevant event just marks the tree dirty.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jsarlin/musync/internal/musync"
	"github.com/jsarlin/musync/internal/scan"
)

// Config holds watcher tuning.
type Config struct {
	// Debounce is how long the source must stay quiet before a run
	// triggers. Batches rapid bursts (rips, mass tag edits) into one
	// sync.
	Debounce time.Duration

	// Settle is the granularity at which the quiet period is checked.
	Settle time.Duration

	// Exts are the file extensions that count as activity. Defaults to
	// the scanner's convert and passthrough sets.
	Exts []string

	// Ignore lists absolute path prefixes whose events are discarded
	// (e.g. a destination nested inside the source).
	Ignore []string

	// OnRun, when set, observes every completed run.
	OnRun func(*musync.Summary, error)

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 2 * time.Second,
		Settle:   500 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// Watcher re-runs an engine whenever the source tree changes.
type Watcher struct {
	engine *musync.Engine
	source string
	cfg    *Config

	watcher *fsnotify.Watcher
	exts    map[string]struct{}

	mu        sync.Mutex
	dirty     bool
	lastEvent time.Time
}

// New creates a Watcher for the engine's source tree. source must match
// the root the engine scans.
func New(engine *musync.Engine, source string, cfg *Config) (*Watcher, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if source == "" {
		return nil, fmt.Errorf("source cannot be empty")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	exts := cfg.Exts
	if exts == nil {
		exts = append(append([]string{}, scan.DefaultConvertExts...), scan.DefaultPassthroughExts...)
	}
	extSet := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}

	return &Watcher{
		engine:  engine,
		source:  abs,
		cfg:     cfg,
		watcher: fsw,
		exts:    extSet,
	}, nil
}

// Run performs an initial sync, then blocks serving filesystem events
// until ctx is cancelled. Always returns a non-nil error: ctx.Err()
// after cancellation, or the failure that stopped the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watchTree(); err != nil {
		return err
	}
	w.cfg.Logger.Printf("Watching %s", w.source)

	// Initial reconcile. Events that arrive while it runs are queued
	// by fsnotify and handled on the next tick.
	w.runOnce(ctx)

	ticker := time.NewTicker(w.cfg.Settle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event stream closed")
			}
			w.handleEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error stream closed")
			}
			w.cfg.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			if w.due() {
				w.runOnce(ctx)
				// New directories can appear faster than their create
				// events land; re-walking after a run closes the gap.
				if err := w.watchTree(); err != nil {
					w.cfg.Logger.Printf("Re-watch failed: %v", err)
				}
			}
		}
	}
}

// watchTree registers the source root and every subdirectory. Adding an
// already-watched directory is a no-op, so this is safe to repeat.
func (w *Watcher) watchTree() error {
	if err := w.watcher.Add(w.source); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.source, err)
	}
	return filepath.WalkDir(w.source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || path == w.source {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.cfg.Logger.Printf("Cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if w.ignored(ev.Name) {
		return
	}

	// A created directory starts being watched immediately; its
	// contents are caught by the run the event triggers.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(ev.Name); err != nil {
				w.cfg.Logger.Printf("Cannot watch %s: %v", ev.Name, err)
			}
			w.markDirty()
			return
		}
	}

	if !w.relevant(ev.Name) {
		return
	}
	w.markDirty()
}

// relevant reports whether the path looks like something a sync would
// care about. Paths without an extension are assumed to be directories
// (removals and renames cannot be stat'ed to find out).
func (w *Watcher) relevant(path string) bool {
	ext := filepath.Ext(filepath.Base(path))
	if ext == "" {
		return true
	}
	_, ok := w.exts[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return ok
}

func (w *Watcher) ignored(path string) bool {
	for _, prefix := range w.cfg.Ignore {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) markDirty() {
	w.mu.Lock()
	w.dirty = true
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty && time.Since(w.lastEvent) >= w.cfg.Debounce
}

// runOnce clears the dirty flag and reconciles. Events arriving during
// the run re-dirty the tree and trigger another pass.
func (w *Watcher) runOnce(ctx context.Context) {
	w.mu.Lock()
	w.dirty = false
	w.mu.Unlock()

	sum, err := w.engine.Run(ctx)
	if err != nil && ctx.Err() == nil {
		w.cfg.Logger.Printf("Sync failed: %v", err)
	}
	if w.cfg.OnRun != nil {
		w.cfg.OnRun(sum, err)
	}
}
