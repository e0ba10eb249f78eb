// Package session holds conversation state between chat requests.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"bedrock-chatbot/internal/domain"
)

// ErrSessionNotFound is returned when a session id has no registered session.
var ErrSessionNotFound = errors.New("session not found")

// Store abstracts where live sessions are kept.
// Implementations must be safe for concurrent use and must not share
// mutable state with callers: Get returns a copy and Put stores one.
type Store interface {
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Put creates or replaces a session.
	Put(ctx context.Context, s *domain.Session) error
	// Delete removes a session or returns ErrSessionNotFound.
	Delete(ctx context.Context, id string) error
	// List returns the ids of all held sessions in no particular order.
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps sessions in a process-local map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*domain.Session)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Put(_ context.Context, s *domain.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session: put requires a session with an id")
	}
	m.mu.Lock()
	m.sessions[s.ID] = clone(s)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func clone(s *domain.Session) *domain.Session {
	c := *s
	c.Turns = slices.Clone(s.Turns)
	return &c
}
