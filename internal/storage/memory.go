package storage

import (
	"context"
	"sync"
)

// MemoryTier is the session-scoped tier: an in-process key-value store that
// lives as long as the hosting context and is cleared on teardown.
type MemoryTier struct {
	mu     sync.RWMutex
	name   string
	values map[string]string
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier(name string) *MemoryTier {
	return &MemoryTier{
		name:   name,
		values: make(map[string]string),
	}
}

// Name implements Tier.
func (m *MemoryTier) Name() string { return m.name }

// Get implements Tier.
func (m *MemoryTier) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Tier.
func (m *MemoryTier) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Remove implements Tier.
func (m *MemoryTier) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
