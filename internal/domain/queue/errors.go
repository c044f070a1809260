package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is a lost race on a unique key. Booking retries it.
	ErrConflict = errors.New("conflict")

	ErrSlotUnavailable = errors.New("slot unavailable")
	ErrSessionClosed   = fmt.Errorf("session closed: %w", ErrSlotUnavailable)
	ErrSessionFull     = fmt.Errorf("session full: %w", ErrSlotUnavailable)

	ErrInvalidTransition = errors.New("invalid transition")
	ErrPersistence       = errors.New("persistence failure")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a storage failure that is not a domain outcome.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func transitionError(what string, from, to interface{}) error {
	return fmt.Errorf("%w: %s %v -> %v", ErrInvalidTransition, what, from, to)
}

// classify passes domain errors through and wraps everything else as a
// persistence failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrPersistence):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
