package session

import (
	"errors"
	"fmt"

	"github.com/greentic/greentic-session/src/model"
)

var (
	// ErrInvalidInput is returned for malformed identifiers and tenant
	// fencing violations. Retrying the identical request will always fail.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when an operation requires an existing record
	// and none exists (or it has expired).
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned on a CAS mismatch or when creating a session
	// for a user who already has a live one. Callers should re-read and
	// retry with fresh state.
	ErrConflict = errors.New("session conflict")

	// ErrSerialization is returned when a payload fails to encode or decode.
	ErrSerialization = errors.New("session serialization failed")

	// ErrBackend is returned for storage/transport failures not attributable
	// to caller input. Safe to retry after backoff for idempotent operations.
	ErrBackend = errors.New("session backend failure")
)

// ConflictError carries the backend's current CAS token so the losing writer
// can re-read and retry informed. It unwraps to ErrConflict.
type ConflictError struct {
	Key     model.SessionKey
	Current model.Cas
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: key %s is at cas %d", ErrConflict.Error(), e.Key, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(key model.SessionKey) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}

func serializationError(err error) error {
	return fmt.Errorf("%w: %v", ErrSerialization, err)
}

func backendError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackend, op, err)
}
