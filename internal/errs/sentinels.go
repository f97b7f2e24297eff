// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"

	"github.com/and161185/cardsync/internal/model"
)

// Common sentinels across repo/service/client layers.
var (
	// ErrNotFound indicates the requested entity does not exist or is not owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (client version behind stored version).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates a missing or invalid caller identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a primary key collision on insert.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates a malformed payload or change.
	ErrValidation = errors.New("validation")

	// ErrTransient indicates the request never reached the server (offline, dial failure).
	ErrTransient = errors.New("transient network failure")
)

// ConflictError reports a version conflict together with the authoritative row.
type ConflictError struct {
	Current model.Entity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: %s %s at version %d", e.Current.Collection, e.Current.ID, e.Current.Version)
}

// Unwrap makes errors.Is(err, ErrVersionConflict) hold.
func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// Conflict wraps the current row into a ConflictError.
func Conflict(current model.Entity) error { return &ConflictError{Current: current} }

// Invalid builds a validation error with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
