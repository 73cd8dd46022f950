// Package store provides the in-memory session store. Storage is ephemeral
// by design: a process restart loses all sessions.
package store

import (
	"sync"

	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// entry wraps a session with its own lock so updates to different sessions
// never contend with each other.
type entry struct {
	mu      sync.Mutex
	session *types.Session
}

// Store maps session id to session. Readers receive snapshot copies; all
// mutation goes through Update, which serialises mutators per session.
type Store struct {
	mu      sync.RWMutex
	entries map[types.SessionIdType]*entry
}

var _ types.SessionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[types.SessionIdType]*entry)}
}

// Put inserts or replaces the session under its id. Id uniqueness for new
// sessions is guaranteed one layer up by UUID generation.
func (s *Store) Put(session *types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[session.ID] = &entry{session: session}
}

// Get returns a snapshot copy of the session.
func (s *Store) Get(id types.SessionIdType) (types.Session, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return types.Session{}, types.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Update runs fn on the live session under the entry lock. If fn returns an
// error the error is passed through; partial mutations by fn are not rolled
// back, so mutators must only fail before touching state.
func (s *Store) Update(id types.SessionIdType, fn func(*types.Session) error) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return types.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Delete removes the session.
func (s *Store) Delete(id types.SessionIdType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return types.ErrSessionNotFound
	}
	delete(s.entries, id)
	return nil
}

// List returns snapshot copies of every stored session.
func (s *Store) List() []types.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sessions := make([]types.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sessions = append(sessions, e.session.Clone())
		e.mu.Unlock()
	}
	return sessions
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
