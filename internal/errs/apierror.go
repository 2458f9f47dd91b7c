package errs

import (
	"errors"
	"fmt"
)

// APIError is the normalized failure of a remote call.
// StatusCode is 0 when no response was received.
type APIError struct {
	StatusCode int
	Detail     string // human-readable message from the server, may be empty
	Err        error  // sentinel or underlying cause
}

func (e *APIError) Error() string {
	switch {
	case e.Detail != "" && e.StatusCode != 0:
		return fmt.Sprintf("api %d: %s", e.StatusCode, e.Detail)
	case e.Detail != "":
		return e.Detail
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("api %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("api %d", e.StatusCode)
	case e.Err != nil:
		return e.Err.Error()
	}
	return "api error"
}

// Unwrap exposes the sentinel/cause for errors.Is.
func (e *APIError) Unwrap() error { return e.Err }

// Detail returns the server-provided message found in err's chain, or fallback.
func Detail(err error, fallback string) string {
	var ae *APIError
	if errors.As(err, &ae) && ae.Detail != "" {
		return ae.Detail
	}
	return fallback
}
