package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	seq       uint64
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps everything in process memory. Used for development and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	seq     uint64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	o := ApplyOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.entries[key]
	if !ok || entry.expired(now) {
		m.seq++
		entry = memoryEntry{seq: m.seq}
	}
	entry.value = append([]byte(nil), value...)
	entry.expiresAt = time.Time{}
	if o.TTL > 0 {
		entry.expiresAt = now.Add(o.TTL)
	}
	m.entries[key] = entry
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	type keyed struct {
		key string
		seq uint64
	}
	matches := make([]keyed, 0)
	for key, entry := range m.entries {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			matches = append(matches, keyed{key: key, seq: entry.seq})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	keys := make([]string, len(matches))
	for i, match := range matches {
		keys[i] = match.key
	}
	return keys, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// PurgeExpired drops expired entries.
func (m *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var purged int64
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			purged++
		}
	}
	return purged, nil
}
