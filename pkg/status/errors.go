package status

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the store rejects the worker's API key.
	ErrUnauthorized = errors.New("status store rejected worker credentials")
	// ErrNotFound is returned when the store does not know the task id.
	ErrNotFound = errors.New("task not found in status store")
)

// TransientError wraps a network or storage fault. Callers may retry.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient status store failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient status store failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
