package cache

import (
	"strings"
	"sync"
	"time"
)

// memEntry is one in-memory cache row.
type memEntry struct {
	payload   []byte
	writtenAt time.Time
}

// Memory is an in-memory Backend. It backs tests and the degraded mode used
// when the durable database cannot be opened.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

// Load implements Backend. Payloads are copied so callers can never mutate
// the stored bytes.
func (m *Memory) Load(key string) ([]byte, time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, e.writtenAt, true, nil
}

// Store implements Backend.
func (m *Memory) Store(key string, payload []byte, writtenAt time.Time) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{payload: cp, writtenAt: writtenAt}
	return nil
}

// RemoveContains implements Backend.
func (m *Memory) RemoveContains(substr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.Contains(k, substr) {
			delete(m.entries, k)
		}
	}
	return nil
}
