package state

import (
	"context"
	"sort"
	"sync"

	"github.com/jsarlin/musync/internal/fingerprint"
)

// Memory is an in-process Store with no persistence. It backs dry runs
// and tests; semantics match SQLite minus durability.
type Memory struct {
	mu      sync.RWMutex
	entries map[fingerprint.Fingerprint]Entry
	cache   map[string]cacheRow
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[fingerprint.Fingerprint]Entry),
		cache:   make(map[string]cacheRow),
	}
}

func (m *Memory) Lookup(fp fingerprint.Fingerprint) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fp]
	return e, ok
}

func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestName < out[j].DestName })
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Commit(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[e.Fingerprint] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Prune(ctx context.Context, fp fingerprint.Fingerprint) error {
	m.mu.Lock()
	delete(m.entries, fp)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CachedFingerprint(key CacheKey) (fingerprint.Fingerprint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.cache[key.Path]
	if !ok || row.size != key.Size || row.mtimeNS != key.MTimeNS || row.strategy != key.Strategy {
		return fingerprint.Fingerprint{}, false
	}
	return row.fp, true
}

func (m *Memory) RememberFingerprint(ctx context.Context, key CacheKey, fp fingerprint.Fingerprint) error {
	m.mu.Lock()
	m.cache[key.Path] = cacheRow{size: key.Size, mtimeNS: key.MTimeNS, strategy: key.Strategy, fp: fp}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DropCacheExcept(ctx context.Context, seen map[string]struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path := range m.cache {
		if _, ok := seen[path]; !ok {
			delete(m.cache, path)
		}
	}
	return nil
}

func (m *Memory) Flush(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
