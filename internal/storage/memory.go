package storage

import (
	"context"
	"sync"

	"sitesync/pkg/exception"
)

// Memory keeps records in a map. A positive Capacity bounds the total bytes
// across all keys, like a browser storage quota.
type Memory struct {
	Capacity int

	mu     sync.RWMutex
	values map[string][]byte
	used   int
}

var _ Storage = (*Memory)(nil)

// NewMemory creates a memory store. capacity <= 0 means unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{
		Capacity: capacity,
		values:   make(map[string][]byte),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, exception.ErrStorageNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string][]byte)
	}
	used := m.used - len(m.values[key]) + len(value)
	if m.Capacity > 0 && used > m.Capacity {
		return exception.ErrStorageQuotaExceeded
	}
	m.values[key] = append([]byte(nil), value...)
	m.used = used
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= len(m.values[key])
	delete(m.values, key)
	return nil
}

// Used returns the bytes currently stored.
func (m *Memory) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
