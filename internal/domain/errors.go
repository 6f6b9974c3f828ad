package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest marks a webhook that is missing required headers.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized marks a webhook whose signature does not verify.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation marks a payload or parameter that cannot be decoded.
	ErrValidation = errors.New("validation failed")

	ErrTenantNotFound    = errors.New("tenant not found")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRaceGuard is returned when a conditional update matched no row
	// because the record changed between selection and update.
	ErrRaceGuard = errors.New("record changed concurrently")
)

// ProcessingError wraps a processor failure with the attempt it happened on.
// Permanent errors still go through the retry budget; the flag only changes
// how they are logged and counted.
type ProcessingError struct {
	EventID   string
	EventType EventType
	Attempt   int
	Permanent bool
	Err       error
}

func (e *ProcessingError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s processing error for %s event %s (attempt %d): %v", kind, e.EventType, e.EventID, e.Attempt, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Permanent wraps err so that it is reported as a permanent failure.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// IsPermanent reports whether err, or anything it wraps, was marked permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	var pe *ProcessingError
	return errors.As(err, &pe) && pe.Permanent
}
