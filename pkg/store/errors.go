package store

import "errors"

var (
	// ErrNotFound means no record exists with the given kind and ID.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a create hit an existing ID or a swap lost the
	// version race. Callers must re-read and retry, never overwrite.
	ErrConflict = errors.New("record version conflict")
	// ErrRateLimited means the store rejected the call for quota reasons.
	// Always retryable after backoff.
	ErrRateLimited = errors.New("store rate limited")
	// ErrUnavailable means a transient transport failure reaching the
	// store. Always retryable after backoff.
	ErrUnavailable = errors.New("store unavailable")
)

// IsRetryable reports whether a store error is worth retrying with backoff.
// Conflicts are retryable only through a fresh read-modify-write, which
// Update handles, so they are excluded here.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
