package accession

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an accession id matches no row.
	ErrNotFound = errors.New("accession not found")
	// ErrConflict is returned when a conditional status update matched no
	// row: a concurrent pass already moved the accession on. Callers treat
	// it as a benign no-op.
	ErrConflict = errors.New("accession status conflict")
	// ErrArtifactNotFound is returned when an artifact key has no object.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrTransient marks failures worth retrying: network trouble, 5xx
	// responses, rate limits.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that retrying cannot fix: rejected
	// requests, malformed input, missing artifacts on completed crawls.
	ErrPermanent = errors.New("permanent failure")
)

// Transient wraps err so IsTransient reports true while the cause stays
// reachable through errors.Is/As.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Transientf builds a transient error from a format string.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanent wraps err so IsPermanent reports true while the cause stays
// reachable through errors.Is/As.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Permanentf builds a permanent error from a format string.
func Permanentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err is classified as not retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// ValidationError rejects caller input; the HTTP layer maps it to a 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
