package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/and161185/tasktracker/internal/errs"
	"github.com/jackc/pgx/v5"
)

// DefaultProfile is used when no profile name is configured.
const DefaultProfile = "default"

// SessionStore implements repository.SessionStore on the session_kv table.
// Rows are partitioned by profile so several local identities can share a database.
type SessionStore struct {
	db      *DB
	profile string
}

// NewSessionStore constructs a session store for profile.
func NewSessionStore(db *DB, profile string) *SessionStore {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = DefaultProfile
	}
	return &SessionStore{db: db, profile: profile}
}

// Get selects the value stored under key.
func (s *SessionStore) Get(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM session_kv WHERE profile=$1 AND key=$2`
	var v string
	if err := s.db.Pool.QueryRow(ctx, q, s.profile, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// Set upserts the value under key.
func (s *SessionStore) Set(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO session_kv (profile, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (profile, key)
DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	_, err := s.db.Pool.Exec(ctx, q, s.profile, key, value)
	return err
}

// Delete removes key.
func (s *SessionStore) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM session_kv WHERE profile=$1 AND key=$2`
	_, err := s.db.Pool.Exec(ctx, q, s.profile, key)
	return err
}
