package task

import (
	"errors"
	"fmt"
)

// Error classes. Everything returned by the engine and the store wraps one
// of these; callers match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrTransitionRejected = errors.New("transition rejected")
	ErrUnauthorized       = errors.New("not authorized")
	ErrPersistence        = errors.New("persistence failure")

	// ErrInvalidStateForEdit is returned by EditFields outside open and done.
	ErrInvalidStateForEdit = fmt.Errorf("%w: task can only be edited while open or done", ErrTransitionRejected)
)

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func rejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrTransitionRejected}, args...)...)
}

func unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnauthorized}, args...)...)
}

// persistence wraps a database error. Errors that already carry a class
// (for example a rejection raised inside a MutateFunc) pass through.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// IsClientError reports whether err is caused by the request rather than
// the server, and so must not be retried.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrTransitionRejected) ||
		errors.Is(err, ErrUnauthorized)
}
