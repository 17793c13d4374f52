package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-process deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Session)}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.ID]; ok {
		return ErrSessionExists
	}
	m.rows[s.ID] = s
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string, now time.Time) (Session, error) {
	m.mu.RLock()
	s, ok := m.rows[id]
	m.mu.RUnlock()
	if !ok || !s.ExpiresAt.After(now) {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, ownerID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.OwnerID != ownerID {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

// DeleteByOwner implements Store.
func (m *MemoryStore) DeleteByOwner(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.rows {
		if s.OwnerID == ownerID {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

// ListByOwner implements Store.
func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, now time.Time) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0)
	for _, s := range m.rows {
		if s.OwnerID == ownerID && s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out, nil
}
