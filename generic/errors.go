/*
errors.go - Centralized error taxonomy for the rewards engine

PURPOSE:
  All error kinds in one place so callers can decide what a failure means
  without parsing strings. Components wrap these with context; callers
  classify with errors.Is / errors.As or the helper predicates below.

ERROR CATEGORIES:
  1. Validation - bad input, out-of-range values, invalid transitions.
     Fix the input; never retried automatically.
  2. NotFound   - bonus / tutor / record missing.
  3. Conflict   - duplicate idempotency key, lost compare-and-swap race.
     Usually "request already satisfied".
  4. Storage    - transient I/O failure or timeout. Safe to retry.
  5. Forbidden  - the presented actor lacks the capability.

USAGE:
  if errors.Is(err, generic.ErrConflict) {
      // already recorded, treat as success
  }

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
  - store/sqlite/sqlite.go: produces Conflict and Storage errors
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStorage    = errors.New("storage failure")
	ErrForbidden  = errors.New("forbidden")

	// ErrDuplicateIdempotencyKey is returned when a row with the same
	// idempotency key already exists. Expected for retries and races.
	ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key: %w", ErrConflict)

	// ErrConcurrentModification is returned when a compare-and-swap update
	// finds the row changed underneath it.
	ErrConcurrentModification = fmt.Errorf("concurrent modification detected: %w", ErrConflict)

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current state.
	ErrInvalidTransition = fmt.Errorf("invalid state transition: %w", ErrValidation)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // optional more specific sentinel, e.g. ErrInvalidTransition
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrValidation
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports that the write collided with existing state.
type ConflictError struct {
	Kind   string
	Key    string
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s conflict on %s", e.Kind, e.Key)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConflict
}

// StorageError wraps an underlying driver failure with the operation name.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// ForbiddenError reports a missing capability.
type ForbiddenError struct {
	Action string
	Actor  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %q may not %s", e.Actor, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// WrapStorage converts a raw driver error into a StorageError. Errors that
// are already classified pass through untouched.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool  { return errors.Is(err, ErrConflict) }
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }
