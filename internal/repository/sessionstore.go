package repository

import "context"

// SessionStore is the durable key/value storage of the client session snapshot.
type SessionStore interface {
	// Get returns the value for key or errs.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key; a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
