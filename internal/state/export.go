package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Export writes entries as JSONL: one JSON object per line, in the
// order given. Pair with Entries() for a deterministic dump.
func Export(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", e.DestName, err)
		}
	}
	return nil
}

// ExportFile writes entries to path, atomically via a temp file. A
// .gz suffix selects gzip compression.
func ExportFile(path string, entries []Entry) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := Export(w, entries); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close export file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename export file: %w", err)
	}
	return nil
}

// Import reads a JSONL export. Every entry is validated; a malformed
// line aborts the import with its line number.
func Import(r io.Reader) ([]Entry, error) {
	dec := json.NewDecoder(r)
	var entries []Entry
	line := 0

	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line+1, err)
		}
		line++
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid entry at line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ImportFile reads a JSONL export from path, transparently decoding
// gzip when the name ends in .gz.
func ImportFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return Import(r)
}
