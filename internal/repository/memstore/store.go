// Package memstore keeps the session snapshot in process memory.
package memstore

import (
	"context"
	"sync"

	"github.com/and161185/tasktracker/internal/errs"
)

// Store is an in-memory SessionStore.
type Store struct {
	mu   sync.RWMutex
	vals map[string]string
}

// New returns an empty store.
func New() *Store { return &Store{vals: make(map[string]string)} }

// Get returns the value for key or errs.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	return nil
}

// Len reports the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vals)
}
