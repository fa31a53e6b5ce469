// Package namer owns the flattened destination names. Every artifact
// lands directly in the destination root, so nested sources with equal
// base names must be disambiguated, deterministically, and stably
// across runs.
package namer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsarlin/musync/internal/fingerprint"
	"github.com/jsarlin/musync/internal/state"
)

// ErrExhausted means no free name could be derived. With the numeric
// suffix rungs capped this effectively never happens outside adversarial
// input; it fails the one affected file, not the run.
var ErrExhausted = errors.New("destination namespace exhausted")

// suffixCap bounds the numeric suffix search.
const suffixCap = 1000

// Namespace tracks which destination filenames are taken and by which
// fingerprint. Foreign files (present in the destination but absent
// from state) occupy their names with no owner, so they are never
// overwritten and never pruned.
type Namespace struct {
	owner map[string]fingerprint.Fingerprint
}

// New returns an empty namespace.
func New() *Namespace {
	return &Namespace{owner: make(map[string]fingerprint.Fingerprint)}
}

// Claim marks name as owned by fp. State entries are claimed at load;
// Assign claims internally as it hands out names.
func (n *Namespace) Claim(name string, fp fingerprint.Fingerprint) {
	n.owner[name] = fp
}

// ClaimForeign marks name as occupied without an owner, unless some
// entry already owns it.
func (n *Namespace) ClaimForeign(name string) {
	if _, ok := n.owner[name]; !ok {
		n.owner[name] = fingerprint.Fingerprint{}
	}
}

// SeedState claims the names of all entries.
func (n *Namespace) SeedState(entries []state.Entry) {
	for _, e := range entries {
		n.Claim(e.DestName, e.Fingerprint)
	}
}

// SeedDir claims every file name present in the destination root as
// foreign. Tracked names keep their owners regardless of call order.
// A destination that does not exist yet seeds nothing.
func (n *Namespace) SeedDir(dir string) error {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read destination directory: %w", err)
	}
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		if d.Name() == state.StateDirName {
			continue
		}
		n.ClaimForeign(d.Name())
	}
	return nil
}

// Owner returns the fingerprint owning name. The zero fingerprint with
// ok=true means the name is occupied by a foreign file.
func (n *Namespace) Owner(name string) (fingerprint.Fingerprint, bool) {
	fp, ok := n.owner[name]
	return fp, ok
}

// Len is the number of occupied names.
func (n *Namespace) Len() int {
	return len(n.owner)
}

// Derive splits a source path (relative to the source root) into the
// naming ingredients: the file stem and the immediate parent directory
// name, empty for top-level files.
func Derive(relPath string) (parent, stem string) {
	rel := filepath.ToSlash(relPath)
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
		parent = rel[:i]
		if j := strings.LastIndex(parent, "/"); j >= 0 {
			parent = parent[j+1:]
		}
	}
	stem = strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return parent, stem
}

// Assign picks the destination name for fp, claims it, and returns it.
// The ladder, in order:
//
//  1. <stem>.<ext>
//  2. <parent> - <stem>.<ext>   (when the file has a parent directory)
//  3. <stem> (2).<ext>, <stem> (3).<ext>, ... smallest unused
//
// A rung occupied by fp itself is reused as-is, which keeps assignments
// stable when an entry lost its artifact but kept its name. The ladder
// depends only on the occupied set and call order, so identical scans
// against identical state produce identical names.
func (n *Namespace) Assign(parent, stem, ext string, fp fingerprint.Fingerprint) (string, error) {
	stem = sanitize(stem)
	parent = sanitize(parent)

	candidates := make([]string, 0, 2)
	candidates = append(candidates, fmt.Sprintf("%s.%s", stem, ext))
	if parent != "" {
		candidates = append(candidates, fmt.Sprintf("%s - %s.%s", parent, stem, ext))
	}

	for _, name := range candidates {
		if taken := n.tryClaim(name, fp); taken {
			return name, nil
		}
	}
	for i := 2; i <= suffixCap; i++ {
		name := fmt.Sprintf("%s (%d).%s", stem, i, ext)
		if taken := n.tryClaim(name, fp); taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free name for %q", ErrExhausted, stem)
}

// tryClaim claims name for fp when it is free or already owned by fp.
func (n *Namespace) tryClaim(name string, fp fingerprint.Fingerprint) bool {
	owner, occupied := n.owner[name]
	if occupied && owner != fp {
		return false
	}
	n.owner[name] = fp
	return true
}

// sanitize strips characters that cannot appear in a single filename
// component. Source names arrive as path components already, so this
// only matters for pathological inputs.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return -1
		}
		return r
	}, s)
}
