package service

import (
	"errors"
	"fmt"

	"agrifinance/internal/repository"
)

// Error categories returned by every service. Handlers map them to status codes
// with errors.Is.
var (
	ErrPersistence       = errors.New("persistence error")
	ErrExecution         = errors.New("execution error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation error")
	ErrForbidden         = errors.New("forbidden")
)

// storeError classifies a repository error: missing rows become ErrNotFound and
// everything else ErrPersistence.
func storeError(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// categorized reports whether err already carries one of the service categories.
func categorized(err error) bool {
	for _, target := range []error{ErrPersistence, ErrExecution, ErrNotFound, ErrInvalidTransition, ErrValidation, ErrForbidden} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
