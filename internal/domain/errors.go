package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyOwned       = errors.New("task already owned")
	ErrNotClaimable       = errors.New("task not claimable")
	ErrOwnerChanged       = errors.New("task no longer owned by handover source")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InvalidRequestError names the offending field of a rejected command.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func (e InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

// Invalid returns an InvalidRequestError for field.
func Invalid(field, reason string) error {
	return InvalidRequestError{Field: field, Reason: reason}
}

// Unavailable wraps a backend failure so callers can test for ErrStorageUnavailable.
// Cancellation and deadline errors are the caller's, not the backend's, and
// keep their own identity.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
