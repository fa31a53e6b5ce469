// Package scan walks the source tree and collects the media files a sync
// run will consider. Scanning is stat-only: no file contents are read
// here, fingerprints come later and only for files that need them.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jsarlin/musync/internal/state"
)

// Class says what a sync run does with a recognized file.
type Class int

const (
	// Ignore: not a recognized media file, never scanned into a run.
	Ignore Class = iota
	// Convert: lossless or legacy formats that are transcoded to MP3.
	Convert
	// Passthrough: already MP3, copied byte for byte.
	Passthrough
)

// Default extension sets. Extensions are matched case-insensitively and
// without the leading dot.
var (
	DefaultConvertExts     = []string{"aiff", "flac", "m4a", "mod", "ogg", "xm"}
	DefaultPassthroughExts = []string{"mp3"}
)

// Record is one scannable source file.
type Record struct {
	// Path is the absolute source path.
	Path string
	// RelPath is Path relative to the scanned root, for display.
	RelPath string
	// Size and ModTime from the directory walk, reused as the
	// fingerprint cache key.
	Size    int64
	ModTime time.Time
	// Ext is the lowercased extension without the dot.
	Ext string
	// Class is Convert or Passthrough; Ignore never reaches a Record.
	Class Class
}

// Problem is a non-fatal scan failure: an unreadable directory or file
// that the walk skipped. The run continues without it.
type Problem struct {
	Path string
	Err  error
}

// Options configures a walk.
type Options struct {
	// ConvertExts and PassthroughExts override the defaults when
	// non-nil. An extension in both sets is treated as passthrough.
	ConvertExts     []string
	PassthroughExts []string

	// Exclude lists absolute paths whose subtrees are skipped. The
	// destination root goes here when it nests inside the source.
	Exclude []string
}

type extSet map[string]struct{}

func newExtSet(exts []string) extSet {
	set := make(extSet, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return set
}

// classifier resolves extensions against the configured sets.
type classifier struct {
	convert     extSet
	passthrough extSet
}

func newClassifier(opts Options) classifier {
	convert := opts.ConvertExts
	if convert == nil {
		convert = DefaultConvertExts
	}
	passthrough := opts.PassthroughExts
	if passthrough == nil {
		passthrough = DefaultPassthroughExts
	}
	return classifier{convert: newExtSet(convert), passthrough: newExtSet(passthrough)}
}

func (c classifier) classify(name string) (string, Class) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return "", Ignore
	}
	if _, ok := c.passthrough[ext]; ok {
		return ext, Passthrough
	}
	if _, ok := c.convert[ext]; ok {
		return ext, Convert
	}
	return ext, Ignore
}

// Walk scans root recursively and returns the recognized media files in
// deterministic lexical order, plus any subtrees or files it had to
// skip. Only an unusable root is a fatal error.
func Walk(root string, opts Options) ([]Record, []Problem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve source root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("source root %s is not a directory", absRoot)
	}

	cls := newClassifier(opts)
	excluded := make(map[string]struct{}, len(opts.Exclude)+1)
	for _, p := range opts.Exclude {
		if abs, err := filepath.Abs(p); err == nil {
			excluded[abs] = struct{}{}
		}
	}

	var records []Record
	var problems []Problem

	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			problems = append(problems, Problem{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if _, ok := excluded[path]; ok {
				return fs.SkipDir
			}
			// The state directory never counts as source material,
			// even when the destination nests inside the source.
			if d.Name() == state.StateDirName {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		ext, class := cls.classify(d.Name())
		if class == Ignore {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			problems = append(problems, Problem{Path: path, Err: err})
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			rel = d.Name()
		}

		records = append(records, Record{
			Path:    path,
			RelPath: rel,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Ext:     ext,
			Class:   class,
		})
		return nil
	})
	if walkErr != nil {
		return nil, problems, fmt.Errorf("failed to walk source tree: %w", walkErr)
	}

	return records, problems, nil
}
