// Package musync orchestrates one synchronization run: scan the source
// tree, reconcile it against sync state and the destination, execute the
// resulting plan, and persist state. The engine owns sequencing and
// reporting; the heavy lifting lives in scan, plan, and runner.
package musync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jsarlin/musync/internal/encode"
	"github.com/jsarlin/musync/internal/fingerprint"
	"github.com/jsarlin/musync/internal/namer"
	"github.com/jsarlin/musync/internal/plan"
	"github.com/jsarlin/musync/internal/runner"
	"github.com/jsarlin/musync/internal/scan"
	"github.com/jsarlin/musync/internal/state"
)

// flushTimeout bounds the final state flush after a cancelled run.
const flushTimeout = 5 * time.Second

// Options configures an Engine.
type Options struct {
	// SourceRoot is the media tree to mirror. Required.
	SourceRoot string
	// DestRoot is the flat destination directory. Required.
	DestRoot string

	// Jobs bounds concurrent file operations. Defaults to
	// runner.DefaultJobs.
	Jobs int
	// Strategy selects how sources are fingerprinted.
	Strategy fingerprint.Strategy
	// Preset is the encoder configuration for conversions.
	Preset encode.Preset

	// Prune deletes artifacts whose content vanished from the source.
	// Opt-in.
	Prune bool
	// DryRun plans and reports without touching the destination or
	// committing state.
	DryRun bool

	// ConvertExts and PassthroughExts override the scanner's extension
	// sets. Exclude skips source subtrees by absolute path.
	ConvertExts     []string
	PassthroughExts []string
	Exclude         []string

	// ConfirmPrune, when set, is asked before a prune pass executes.
	// Returning false demotes the run to a prune-free one. Nil proceeds.
	ConfirmPrune func(count int) bool

	// Progress observes every settled action.
	Progress runner.Progress

	// Logger receives stage diagnostics. Defaults to stderr with a
	// "[musync] " prefix.
	Logger *log.Logger
}

// Engine runs the sync pipeline against a store and an encoder.
type Engine struct {
	store  state.Store
	enc    encode.Encoder
	opts   Options
	logger *log.Logger
}

// New creates an Engine.
//
// The store must be open and stay open for the engine's lifetime; the
// engine never closes it. If opts.Logger is nil, a default logger
// writing to stderr is used.
func New(store state.Store, enc encode.Encoder, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("a state store is required")
	}
	if enc == nil {
		return nil, fmt.Errorf("an encoder is required")
	}
	if opts.SourceRoot == "" {
		return nil, fmt.Errorf("source root is required")
	}
	if opts.DestRoot == "" {
		return nil, fmt.Errorf("destination root is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[musync] ", log.LstdFlags)
	}
	return &Engine{store: store, enc: enc, opts: opts, logger: logger}, nil
}

// Run performs one full sync and returns its summary. Per-file failures
// are collected in the summary; the returned error is reserved for
// pipeline-fatal conditions (unusable source root, cancelled context,
// state write failure). The summary is non-nil whenever work started,
// including aborted runs.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	e.logger.Printf("Starting sync: %s -> %s", e.opts.SourceRoot, e.opts.DestRoot)

	records, problems, err := scan.Walk(e.opts.SourceRoot, scan.Options{
		ConvertExts:     e.opts.ConvertExts,
		PassthroughExts: e.opts.PassthroughExts,
		Exclude:         e.opts.Exclude,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		e.logger.Printf("WARNING: skipped %s: %v", p.Path, p.Err)
	}
	e.logger.Printf("Scanned %d files (%d unreadable)", len(records), len(problems))

	ns := namer.New()
	ns.SeedState(e.store.Entries())
	if err := ns.SeedDir(e.opts.DestRoot); err != nil {
		return nil, fmt.Errorf("failed to read destination: %w", err)
	}

	unreadable := make([]string, len(problems))
	for i, prob := range problems {
		unreadable[i] = prob.Path
	}

	p, err := plan.Build(ctx, records, e.store, ns, plan.Options{
		DestRoot:   e.opts.DestRoot,
		Strategy:   e.opts.Strategy,
		Prune:      e.opts.Prune,
		Unreadable: unreadable,
	})
	if err != nil {
		return nil, err
	}
	for _, f := range p.Failed {
		e.logger.Printf("WARNING: cannot plan %s: %v", f.Path, f.Err)
	}
	e.logger.Printf("Planned: convert=%d copy=%d relink=%d skip=%d prune=%d",
		p.Count(plan.Convert), p.Count(plan.Copy), p.Count(plan.Relink),
		p.Count(plan.Skip), p.Count(plan.Prune))

	if n := p.Count(plan.Prune); n > 0 && e.opts.ConfirmPrune != nil && !e.opts.DryRun {
		if !e.opts.ConfirmPrune(n) {
			e.logger.Printf("Prune declined, keeping %d entries", n)
			p = withoutPrunes(p)
		}
	}

	run := runner.New(e.store, e.enc, runner.Options{
		DestRoot: e.opts.DestRoot,
		Jobs:     e.opts.Jobs,
		Preset:   e.opts.Preset,
		DryRun:   e.opts.DryRun,
		Progress: e.opts.Progress,
		Logger:   e.logger,
	})
	out, runErr := run.Run(ctx, p)

	sum := &Summary{
		Started:      started,
		Scanned:      len(records),
		Counts:       out.Counts,
		Errors:       out.Errors,
		ScanProblems: problems,
		PlanFailures: p.Failed,
		Aborted:      out.Aborted,
	}

	if !e.opts.DryRun {
		if finishErr := e.finish(records, out); finishErr != nil && runErr == nil {
			runErr = finishErr
		}
	}

	sum.Elapsed = time.Since(started)
	e.logger.Printf("Sync complete in %s: %s", sum.Elapsed.Round(time.Millisecond), sum.Line())
	return sum, runErr
}

// finish runs post-execution housekeeping: cache cleanup, destination
// directory hygiene, and the final durable flush. The flush runs on its
// own context so a cancelled run still lands its state.
func (e *Engine) finish(records []scan.Record, out *runner.Outcome) error {
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if !out.Aborted {
		seen := make(map[string]struct{}, len(records))
		for _, r := range records {
			seen[r.Path] = struct{}{}
		}
		if err := e.store.DropCacheExcept(flushCtx, seen); err != nil {
			e.logger.Printf("WARNING: cache cleanup failed: %v", err)
		}
		if out.Counts.Pruned > 0 {
			e.cleanEmptyDirs()
		}
	}

	if err := e.store.Flush(flushCtx); err != nil {
		return fmt.Errorf("failed to flush state: %w", err)
	}
	return nil
}

// cleanEmptyDirs removes empty subdirectories under the destination,
// bottom-up. The destination root and the state directory are left
// alone. Best effort: a directory that refuses to go away stays.
func (e *Engine) cleanEmptyDirs() {
	root, err := filepath.Abs(e.opts.DestRoot)
	if err != nil {
		return
	}
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path == root {
			return nil
		}
		if d.Name() == state.StateDirName {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	// Children sort after parents; remove deepest first.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if err := os.Remove(dir); err == nil {
			e.logger.Printf("Removed empty directory %s", strings.TrimPrefix(dir, root+string(filepath.Separator)))
		}
	}
}

// withoutPrunes returns the plan stripped of its prune actions.
func withoutPrunes(p *plan.Plan) *plan.Plan {
	kept := &plan.Plan{Failed: p.Failed, Observed: p.Observed}
	for _, a := range p.Actions {
		if a.Kind != plan.Prune {
			kept.Actions = append(kept.Actions, a)
		}
	}
	return kept
}
