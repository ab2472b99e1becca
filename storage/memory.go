package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests and embedders that manage their own
// durability. Values are copied on both read and write.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	tags map[string][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		tags: make(map[string][]string),
	}
}

// Get returns the value for key, or ErrNotFound.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set replaces the value for key.
func (m *Memory) Set(ctx context.Context, key string, value []byte, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	if len(tags) > 0 {
		m.tags[key] = append([]string(nil), tags...)
	}
	return nil
}

// Tags returns the tags recorded for key, if any.
func (m *Memory) Tags(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.tags[key]...)
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
