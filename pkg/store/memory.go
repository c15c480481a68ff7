package store

import (
	"context"
	"sort"
	"sync"

	"github.com/syncmaven/syncmaven-sub000/pkg/json"
)

// MemoryStore keeps entries in a map. Nothing survives Close.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (json.RawMessage, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key.String()]
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(v), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key Key, value interface{}) error {
	if err := key.Validate(); err != nil {
		return err
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key.String()] = encoded
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Del(_ context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key.String())
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix Key) ([]Entry, error) {
	return listEntries(ctx, m.page, prefix)
}

func (m *MemoryStore) Stream(ctx context.Context, prefix Key, fn func(Entry) error) error {
	return streamEntries(ctx, m.page, prefix, fn)
}

func (m *MemoryStore) StreamBatch(ctx context.Context, prefix Key, maxBatchSize int, fn func([]Entry) error) error {
	if err := validateBatchSize(maxBatchSize); err != nil {
		return err
	}
	return streamPages(ctx, m.page, prefix, maxBatchSize, fn)
}

func (m *MemoryStore) DeleteByPrefix(_ context.Context, prefix Key) error {
	if err := prefix.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.matching(prefix) {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryStore) Size(_ context.Context, prefix Key) (int, error) {
	if err := prefix.Validate(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matching(prefix)), nil
}

// Close drops all entries.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// matching returns sorted serialized keys under prefix. Callers hold mu.
func (m *MemoryStore) matching(prefix Key) []string {
	exact, lower, upper := prefixRange(prefix)
	var keys []string
	for k := range m.entries {
		if k == exact || (k >= lower && k < upper) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryStore) page(ctx context.Context, prefix Key, after string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, k := range m.matching(prefix) {
		if k <= after {
			continue
		}
		key, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: key, Value: json.RawMessage(m.entries[k])})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
