// Package memory is an in-process session store. Entries do not survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/memohai/clibridge/internal/session"
)

// Store keeps sessions in maps guarded by a mutex.
type Store struct {
	maxAuto int

	mu       sync.Mutex
	sessions map[string]session.Entry
	auto     map[string]session.Entry
	order    []string
}

// New creates a store holding at most maxAuto auto-sessions.
func New(maxAuto int) *Store {
	return &Store{
		maxAuto:  maxAuto,
		sessions: make(map[string]session.Entry),
		auto:     make(map[string]session.Entry),
	}
}

func (s *Store) Get(_ context.Context, conversationID string) (session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[conversationID]
	if !ok {
		return session.Entry{}, session.ErrNotFound
	}
	return e, nil
}

func (s *Store) Set(_ context.Context, conversationID string, entry session.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[conversationID] = entry
	return nil
}

func (s *Store) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationID)
	return nil
}

func (s *Store) FindAuto(_ context.Context, hash string) (session.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.auto[hash]
	if !ok {
		return session.Entry{}, session.ErrNotFound
	}
	return e, nil
}

func (s *Store) SaveAuto(_ context.Context, hash string, entry session.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auto[hash]; !ok {
		for s.maxAuto > 0 && len(s.order) >= s.maxAuto {
			delete(s.auto, s.order[0])
			s.order = s.order[1:]
		}
		s.order = append(s.order, hash)
	}
	s.auto[hash] = entry
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
