// Package presence keeps the latest status reported by each user
package presence

import (
	"context"
	"sync"
	"time"
)

// Entry is the last known status of a user
type Entry struct {
	UserID    int64
	Status    string
	UpdatedAt time.Time
}

// Registry stores presence entries with last-write-wins semantics
type Registry interface {
	// Upsert stores e unless an entry with the same or a later UpdatedAt exists.
	// It reports whether e was stored.
	Upsert(ctx context.Context, e Entry) (bool, error)
	Get(ctx context.Context, user int64) (Entry, bool, error)
}

// Memory is an in-process Registry
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[int64]Entry)}
}

func (m *Memory) Upsert(_ context.Context, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[e.UserID]; ok && !e.UpdatedAt.After(cur.UpdatedAt) {
		return false, nil
	}
	m.entries[e.UserID] = e
	return true, nil
}

func (m *Memory) Get(_ context.Context, user int64) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[user]
	return e, ok, nil
}
