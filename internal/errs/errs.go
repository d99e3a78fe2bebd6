// ABOUTME: Error taxonomy shared by the backend components and transports
// ABOUTME: Sentinel kinds matched with errors.Is, plus constructors that attach context

package errs

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the backend wraps exactly one of these.
var (
	// ErrNotFound is returned when an operation references an unknown ID.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a competing operation already changed the
	// state the caller relied on (assign race loser, busy workplace, duplicate tag).
	ErrConflict = errors.New("conflict")

	// ErrInvalidState is returned when an operation is not valid in the
	// conversation's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrStorage wraps any failure reported by the store adapter.
	ErrStorage = errors.New("storage failure")

	// ErrPermissionDenied is returned when an agent lacks the permission an
	// operation requires, or has been deactivated.
	ErrPermissionDenied = errors.New("permission denied")
)

// NotFound returns an ErrNotFound describing what was missing.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflict returns an ErrConflict with detail.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// InvalidState returns an ErrInvalidState with detail.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Validation returns an ErrValidation with detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// PermissionDenied returns an ErrPermissionDenied with detail.
func PermissionDenied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// Storage wraps a store failure for op. The result matches both ErrStorage
// and err under errors.Is. A nil err returns nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Kind returns the sentinel kind carried by err, or nil if err carries none.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrConflict, ErrInvalidState, ErrValidation, ErrPermissionDenied, ErrStorage} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
