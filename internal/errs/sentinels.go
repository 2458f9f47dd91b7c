// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across transport/store/service layers.
var (
	// ErrNotFound indicates the requested entity (remote task, persisted key) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the server rejected the credentials or the bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates the server rejected the request payload.
	ErrValidation = errors.New("validation failed")

	// ErrTransport indicates the request never produced a usable response (network, decode).
	ErrTransport = errors.New("transport failure")

	// ErrCorrupt indicates a persisted value could not be opened or decoded.
	ErrCorrupt = errors.New("corrupt snapshot")
)
