package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config/payload validation failures.
	ErrValidation = errors.New("jobs validation error")
	// ErrNotFound classifies missing logical resources (for example an expired lease).
	ErrNotFound = errors.New("jobs not found")
	// ErrRetryable classifies transient backend failures that may succeed on retry.
	ErrRetryable = errors.New("jobs retryable error")
	// ErrNotInitialized classifies missing backend initialization.
	ErrNotInitialized = errors.New("jobs not initialized")
	// ErrClosed classifies operations on an already closed backend.
	ErrClosed = errors.New("jobs closed")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
