package ramp

import (
	"errors"
	"fmt"
)

// PhaseError classifies a handler failure as worth retrying in place or not.
// Recoverable failures are transient provider or network conditions; anything
// else stalls the ramp at its current phase for the recovery sweep or manual
// intervention.
type PhaseError struct {
	recoverable bool
	err         error
}

// Error implements error.
func (e *PhaseError) Error() string {
	if e == nil || e.err == nil {
		return "phase error"
	}
	return e.err.Error()
}

// Unwrap exposes the wrapped cause.
func (e *PhaseError) Unwrap() error { return e.err }

// Recoverable marks err as a transient condition worth retrying.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{recoverable: true, err: err}
}

// Recoverablef is Recoverable over a formatted error.
func Recoverablef(format string, args ...any) error {
	return &PhaseError{recoverable: true, err: fmt.Errorf(format, args...)}
}

// Unrecoverable marks err as a definitive failure.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{err: err}
}

// Unrecoverablef is Unrecoverable over a formatted error.
func Unrecoverablef(format string, args ...any) error {
	return &PhaseError{err: fmt.Errorf(format, args...)}
}

// IsRecoverable reports whether err carries the recoverable classification.
// Unclassified errors are treated as unrecoverable.
func IsRecoverable(err error) bool {
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr.recoverable
	}
	return false
}
