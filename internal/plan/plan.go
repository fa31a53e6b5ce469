// Package plan reconciles a source scan against sync state and the
// destination directory, producing the action list a run will execute.
// Planning only reads: hashing aside, it touches neither the
// destination nor the state entries.
package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsarlin/musync/internal/fingerprint"
	"github.com/jsarlin/musync/internal/namer"
	"github.com/jsarlin/musync/internal/scan"
	"github.com/jsarlin/musync/internal/state"
)

// Kind is what a planned action does.
type Kind int

const (
	// Skip: content already synced and the artifact is in place.
	Skip Kind = iota
	// Copy: passthrough source, copied byte for byte.
	Copy
	// Convert: source transcoded to the target format.
	Convert
	// Relink: content moved within the source tree; update the state
	// entry's source path. No destination I/O at all.
	Relink
	// Prune: the entry's fingerprint was not observed this run; delete
	// the artifact and drop the entry.
	Prune
)

func (k Kind) String() string {
	switch k {
	case Skip:
		return "skip"
	case Copy:
		return "copy"
	case Convert:
		return "convert"
	case Relink:
		return "relink"
	case Prune:
		return "prune"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is one planned unit of work. Actions are independent: no
// action depends on another's outcome, and no two actions touch the
// same destination path.
type Action struct {
	Kind        Kind
	Record      scan.Record // zero for Prune
	Fingerprint fingerprint.Fingerprint
	DestName    string

	// Entry carries the proposed update for Relink and the condemned
	// entry for Prune.
	Entry state.Entry

	// Duplicate marks a Skip caused by identical content appearing
	// more than once in the source tree.
	Duplicate bool

	// Note is a short human-readable qualifier for display.
	Note string
}

// Failure is a file the planner had to give up on: unreadable during
// hashing, or impossible to name. Planning continues without it.
type Failure struct {
	Path string
	Err  error
}

// Plan is the full action list for one run.
type Plan struct {
	Actions []Action
	Failed  []Failure

	// Observed is every fingerprint seen this run, keyed for the prune
	// pass and cache cleanup.
	Observed map[fingerprint.Fingerprint]struct{}
}

// Count returns the number of actions of kind k.
func (p *Plan) Count(k Kind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// Duplicates returns the number of duplicate-content skips.
func (p *Plan) Duplicates() int {
	n := 0
	for _, a := range p.Actions {
		if a.Duplicate {
			n++
		}
	}
	return n
}

// Options configures planning.
type Options struct {
	// DestRoot is the destination directory artifacts land in.
	DestRoot string
	// TargetExt is the artifact extension, normally "mp3".
	TargetExt string
	// Strategy selects the fingerprint mode.
	Strategy fingerprint.Strategy
	// Prune enables the removal pass for entries whose content
	// disappeared from the source.
	Prune bool
	// Unreadable lists paths the scanner reported problems for. An
	// entry whose source path matches one, or sits under one, is exempt
	// from pruning: content that could not be examined is not known to
	// be gone.
	Unreadable []string
}

// Build produces the plan for one run.
//
// Records are processed in scan order, which makes naming deterministic.
// For each record: fingerprint (cache-assisted), then decide by state
// lookup and artifact presence. After all records, when pruning is on,
// entries whose fingerprint was never observed become Prune actions,
// except entries whose recorded source path was unreadable this run,
// whether it failed to hash or the scanner could not reach it at all; a
// file that cannot be examined is not known to be gone.
func Build(ctx context.Context, records []scan.Record, store state.Store, ns *namer.Namespace, opts Options) (*Plan, error) {
	if opts.TargetExt == "" {
		opts.TargetExt = "mp3"
	}

	p := &Plan{Observed: make(map[fingerprint.Fingerprint]struct{}, len(records))}
	firstSeen := make(map[fingerprint.Fingerprint]string, len(records))

	unreadablePaths := make(map[string]struct{}, len(opts.Unreadable))
	unreadableDirs := make([]string, 0, len(opts.Unreadable))
	for _, path := range opts.Unreadable {
		unreadablePaths[path] = struct{}{}
		// A problem path may be a directory the walk could not enter;
		// everything beneath it is equally unknown.
		unreadableDirs = append(unreadableDirs, path+string(filepath.Separator))
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fp, err := fingerprintFor(ctx, store, rec, opts.Strategy)
		if err != nil {
			p.Failed = append(p.Failed, Failure{Path: rec.Path, Err: err})
			unreadablePaths[rec.Path] = struct{}{}
			continue
		}
		p.Observed[fp] = struct{}{}

		if first, dup := firstSeen[fp]; dup {
			p.Actions = append(p.Actions, Action{
				Kind:        Skip,
				Record:      rec,
				Fingerprint: fp,
				Duplicate:   true,
				Note:        fmt.Sprintf("duplicate of %s", first),
			})
			continue
		}
		firstSeen[fp] = rec.RelPath

		entry, known := store.Lookup(fp)
		if known {
			if artifactOK(filepath.Join(opts.DestRoot, entry.DestName)) {
				if entry.SourcePath != rec.Path {
					relinked := entry
					relinked.SourcePath = rec.Path
					p.Actions = append(p.Actions, Action{
						Kind:        Relink,
						Record:      rec,
						Fingerprint: fp,
						DestName:    entry.DestName,
						Entry:       relinked,
					})
				} else {
					p.Actions = append(p.Actions, Action{
						Kind:        Skip,
						Record:      rec,
						Fingerprint: fp,
						DestName:    entry.DestName,
					})
				}
				continue
			}

			// Known content, lost artifact. Rebuild it under the name
			// the entry already holds so the mapping stays stable.
			p.Actions = append(p.Actions, Action{
				Kind:        transferKind(rec),
				Record:      rec,
				Fingerprint: fp,
				DestName:    entry.DestName,
				Note:        "artifact missing",
			})
			continue
		}

		parent, stem := namer.Derive(rec.RelPath)
		name, err := ns.Assign(parent, stem, opts.TargetExt, fp)
		if err != nil {
			p.Failed = append(p.Failed, Failure{Path: rec.Path, Err: err})
			continue
		}
		p.Actions = append(p.Actions, Action{
			Kind:        transferKind(rec),
			Record:      rec,
			Fingerprint: fp,
			DestName:    name,
		})
	}

	if opts.Prune {
		for _, entry := range store.Entries() {
			if _, seen := p.Observed[entry.Fingerprint]; seen {
				continue
			}
			if _, unreadable := unreadablePaths[entry.SourcePath]; unreadable {
				continue
			}
			if underAny(entry.SourcePath, unreadableDirs) {
				continue
			}
			p.Actions = append(p.Actions, Action{
				Kind:        Prune,
				Fingerprint: entry.Fingerprint,
				DestName:    entry.DestName,
				Entry:       entry,
			})
		}
	}

	return p, nil
}

func transferKind(rec scan.Record) Kind {
	if rec.Class == scan.Passthrough {
		return Copy
	}
	return Convert
}

func underAny(path string, dirPrefixes []string) bool {
	for _, prefix := range dirPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// fingerprintFor hashes a record, consulting and feeding the scan
// cache. Cache write failures are ignored: the cache only saves time.
func fingerprintFor(ctx context.Context, store state.Store, rec scan.Record, strategy fingerprint.Strategy) (fingerprint.Fingerprint, error) {
	if strategy == "" {
		strategy = fingerprint.Full
	}
	key := state.CacheKey{
		Path:     rec.Path,
		Size:     rec.Size,
		MTimeNS:  rec.ModTime.UnixNano(),
		Strategy: strategy,
	}
	if fp, ok := store.CachedFingerprint(key); ok {
		return fp, nil
	}

	fp, err := fingerprint.File(rec.Path, strategy)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	_ = store.RememberFingerprint(ctx, key, fp)
	return fp, nil
}

// artifactOK reports whether the destination artifact exists and is a
// non-empty regular file. Zero-byte leftovers count as missing so an
// interrupted write heals on the next run.
func artifactOK(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}
