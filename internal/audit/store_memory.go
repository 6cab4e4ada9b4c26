package audit

import (
	"context"
	"maps"
	"sync"
	"time"
)

// DefaultTrailRetention is the trail period a store guards when it is not
// told otherwise.
const DefaultTrailRetention = 10 * 365 * 24 * time.Hour

// MemoryStore keeps entries in process. Used when no database is configured
// and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
	trail   time.Duration
	now     func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithTrailRetention sets how long trail entries are protected from Delete.
func WithTrailRetention(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.trail = d }
}

func WithStoreClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{trail: DefaultTrailRetention, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.Metadata = maps.Clone(e.Metadata)
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything written so far, oldest first.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		e.Metadata = maps.Clone(e.Metadata)
		out[i] = e
	}
	return out
}

func (m *MemoryStore) List(_ context.Context, category Category, before time.Time, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.Category == category && e.Timestamp.Before(before) {
			e.Metadata = maps.Clone(e.Metadata)
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	protect := m.now().Add(-m.trail)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if _, ok := drop[e.ID]; ok && deletable(e, protect) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}
