// Package runner executes a plan: a fixed pool of workers performs the
// file work while a single committer goroutine applies every state
// mutation. Workers never touch the store, so state stays consistent no
// matter how jobs interleave, and each acknowledged commit is durable
// before the next one is applied.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jsarlin/musync/internal/encode"
	"github.com/jsarlin/musync/internal/plan"
	"github.com/jsarlin/musync/internal/state"
)

// DefaultJobs is the worker pool size when none is configured.
const DefaultJobs = 16

// ErrCopyFailed wraps any failure while copying a passthrough file into
// the destination.
var ErrCopyFailed = errors.New("copy failed")

// JobError is one action that failed. Failures are isolated: they are
// collected, not propagated, and the rest of the run proceeds.
type JobError struct {
	Action plan.Action
	Err    error
}

// Counts tallies a run by outcome.
type Counts struct {
	Skipped      int
	Duplicates   int
	Relinked     int
	Copied       int
	Converted    int
	Pruned       int
	Failed       int
	BytesWritten int64
}

// Outcome is the result of executing a plan.
type Outcome struct {
	Counts  Counts
	Errors  []JobError
	Aborted bool
}

// Progress is invoked from the committer goroutine after each action
// settles, so implementations may print without locking.
type Progress func(a plan.Action, err error)

// Options configures a Runner.
type Options struct {
	// DestRoot is the destination directory.
	DestRoot string
	// Jobs bounds how many workers run file operations at once.
	// Defaults to DefaultJobs.
	Jobs int
	// Preset is the encoder configuration for Convert actions.
	Preset encode.Preset
	// DryRun counts and reports actions without performing any I/O or
	// state writes.
	DryRun bool
	// Progress, when set, observes every settled action.
	Progress Progress
	// Logger receives worker-level diagnostics. Defaults to stderr.
	Logger *log.Logger
}

// Runner executes plans against a store and an encoder.
type Runner struct {
	store  state.Store
	enc    encode.Encoder
	opts   Options
	logger *log.Logger
}

// New creates a Runner.
func New(store state.Store, enc encode.Encoder, opts Options) *Runner {
	if opts.Jobs <= 0 {
		opts.Jobs = DefaultJobs
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Runner{store: store, enc: enc, opts: opts, logger: logger}
}

// jobResult travels from a worker to the committer.
type jobResult struct {
	action plan.Action
	entry  *state.Entry // commit when non-nil
	prune  bool         // drop the entry for action.Fingerprint
	bytes  int64
	err    error
}

// Run executes the plan and returns its outcome. The returned error is
// non-nil only for run-fatal conditions: a store write failure or a
// cancelled context. Per-file failures land in Outcome.Errors.
func (r *Runner) Run(ctx context.Context, p *plan.Plan) (*Outcome, error) {
	out := &Outcome{}

	var queue []plan.Action
	for _, a := range p.Actions {
		switch a.Kind {
		case plan.Skip:
			if a.Duplicate {
				out.Counts.Duplicates++
			} else {
				out.Counts.Skipped++
			}
			if r.opts.Progress != nil {
				r.opts.Progress(a, nil)
			}
		default:
			queue = append(queue, a)
		}
	}

	if r.opts.DryRun {
		for _, a := range queue {
			out.Counts.add(a.Kind)
			if r.opts.Progress != nil {
				r.opts.Progress(a, nil)
			}
		}
		return out, nil
	}

	if len(queue) > 0 {
		if err := os.MkdirAll(r.opts.DestRoot, 0755); err != nil {
			return out, fmt.Errorf("failed to create destination directory: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan plan.Action)
	results := make(chan jobResult)

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(runCtx, jobs, results)
		}()
	}

	go func() {
		defer close(jobs)
		for _, a := range queue {
			select {
			case jobs <- a:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Single committer: the only code path that mutates the store
	// while workers run.
	var fatal error
	for res := range results {
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) && runCtx.Err() != nil {
				continue // cancelled, not failed
			}
			out.Counts.Failed++
			out.Errors = append(out.Errors, JobError{Action: res.action, Err: res.err})
			r.logger.Printf("[run] %s %s: %v", res.action.Kind, label(res.action), res.err)
			if r.opts.Progress != nil {
				r.opts.Progress(res.action, res.err)
			}
			continue
		}

		if fatal == nil {
			switch {
			case res.prune:
				if err := r.store.Prune(runCtx, res.action.Fingerprint); err != nil {
					fatal = err
					cancel()
				}
			case res.entry != nil:
				e := *res.entry
				e.SyncedAt = time.Now().UTC()
				if err := r.store.Commit(runCtx, e); err != nil {
					fatal = err
					cancel()
				}
			}
		}
		if fatal != nil {
			continue
		}

		out.Counts.add(res.action.Kind)
		out.Counts.BytesWritten += res.bytes
		if r.opts.Progress != nil {
			r.opts.Progress(res.action, nil)
		}
	}

	if fatal != nil {
		return out, fmt.Errorf("state write failed, run aborted: %w", fatal)
	}
	if err := ctx.Err(); err != nil {
		out.Aborted = true
		return out, err
	}
	return out, nil
}

func label(a plan.Action) string {
	if a.Record.RelPath != "" {
		return a.Record.RelPath
	}
	return a.DestName
}

func (c *Counts) add(k plan.Kind) {
	switch k {
	case plan.Copy:
		c.Copied++
	case plan.Convert:
		c.Converted++
	case plan.Relink:
		c.Relinked++
	case plan.Prune:
		c.Pruned++
	}
}

func (r *Runner) worker(ctx context.Context, jobs <-chan plan.Action, results chan<- jobResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-jobs:
			if !ok {
				return
			}
			results <- r.execute(ctx, a)
		}
	}
}

func (r *Runner) execute(ctx context.Context, a plan.Action) jobResult {
	dst := filepath.Join(r.opts.DestRoot, a.DestName)

	switch a.Kind {
	case plan.Relink:
		e := a.Entry
		return jobResult{action: a, entry: &e}

	case plan.Copy:
		n, err := copyAtomic(a.Record.Path, dst)
		if err != nil {
			return jobResult{action: a, err: fmt.Errorf("%w: %s: %v", ErrCopyFailed, a.Record.RelPath, err)}
		}
		return jobResult{action: a, bytes: n, entry: &state.Entry{
			Fingerprint: a.Fingerprint,
			DestName:    a.DestName,
			SourcePath:  a.Record.Path,
			Format:      "mp3",
		}}

	case plan.Convert:
		if err := r.enc.Encode(ctx, a.Record.Path, dst, r.opts.Preset); err != nil {
			return jobResult{action: a, err: err}
		}
		var n int64
		if info, err := os.Stat(dst); err == nil {
			n = info.Size()
		}
		return jobResult{action: a, bytes: n, entry: &state.Entry{
			Fingerprint: a.Fingerprint,
			DestName:    a.DestName,
			SourcePath:  a.Record.Path,
			Format:      "mp3",
			BitrateKbps: r.opts.Preset.BitrateKbps,
		}}

	case plan.Prune:
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return jobResult{action: a, err: fmt.Errorf("prune %s: %w", a.DestName, err)}
		}
		return jobResult{action: a, prune: true}

	default:
		return jobResult{action: a, err: fmt.Errorf("unexpected action kind %s", a.Kind)}
	}
}

// copyAtomic copies src to dst via a temp file in the same directory,
// fsyncs, and renames. On any failure nothing remains at dst and the
// temp file is removed.
func copyAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}

	n, copyErr := io.Copy(out, in)
	syncErr := out.Sync()
	closeErr := out.Close()

	for _, err := range []error{copyErr, syncErr, closeErr} {
		if err != nil {
			_ = os.Remove(tmp)
			return 0, err
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
