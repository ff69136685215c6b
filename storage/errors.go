package storage

import "errors"

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidKey  = errors.New("storage: invalid key")
	ErrUnavailable = errors.New("storage: backend unavailable")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports a retryable backend failure (timeout, connection
// loss). Callers may retry with backoff; no partial write occurred.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
