package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	blob     []byte
	lastUsed time.Time
}

// Memory is an in-process Store backed by a map. It satisfies
// ExpirableStore, so Cleanup can prune it the same way it prunes File.
// Default wiring for tests and for callers that persist sessions
// through some other channel.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

func (m *Memory) Save(_ context.Context, sessionID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), blob...)
	m.entries[sessionID] = &memoryEntry{blob: cp, lastUsed: time.Now().UTC()}
	return nil
}

func (m *Memory) Load(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastUsed = time.Now().UTC()
	return append([]byte(nil), e.blob...), nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

func (m *Memory) ListIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

// LastUsed reports when sessionID was last Saved or Loaded.
func (m *Memory) LastUsed(_ context.Context, sessionID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return e.lastUsed, nil
}
