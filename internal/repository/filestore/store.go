// Package filestore persists the session snapshot in the user's config directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/and161185/tasktracker/internal/errs"
)

// FileName is the snapshot file inside the state directory.
const FileName = "session.json"

// Store is a SessionStore backed by a single JSON object file.
// The file is re-read on every call so concurrent CLI invocations observe each other.
type Store struct {
	path string
	mu   sync.Mutex
}

// New constructs a store rooted at dir.
func New(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("filestore: state dir is required")
	}
	return &Store{path: filepath.Join(dir, FileName)}, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Get returns the value for key, errs.ErrNotFound, or an errs.ErrCorrupt-wrapped decode error.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vals, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := vals[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vals, err := s.load()
	if err != nil {
		// corrupt file is replaced
		vals = map[string]string{}
	}
	vals[key] = value
	return s.persistLocked(vals)
}

// Delete removes key; the file is removed when it becomes empty.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vals, err := s.load()
	if err != nil {
		if errors.Is(err, errs.ErrCorrupt) {
			return s.removeLocked()
		}
		return err
	}
	if _, ok := vals[key]; !ok {
		return nil
	}
	delete(vals, key)
	if len(vals) == 0 {
		return s.removeLocked()
	}
	return s.persistLocked(vals)
}

func (s *Store) load() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(b) == 0 {
		return map[string]string{}, nil
	}
	vals := map[string]string{}
	if err := json.Unmarshal(b, &vals); err != nil {
		return nil, fmt.Errorf("%w: decode session file: %v", errs.ErrCorrupt, err)
	}
	return vals, nil
}

func (s *Store) persistLocked(vals map[string]string) error {
	b, err := json.MarshalIndent(vals, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (s *Store) removeLocked() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
