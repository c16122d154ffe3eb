package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidState        = errors.New("invalid state")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	ErrTransientStore      = errors.New("store unavailable")
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrInvalidMFACode      = errors.New("invalid mfa code")
	ErrChallengeExhausted  = errors.New("mfa challenge exhausted")
	ErrChallengeExpired    = errors.New("mfa challenge expired")
	ErrMFANotConfigured    = errors.New("mfa not configured")
	ErrImpossibleTravel    = errors.New("impossible travel")
	ErrStepUpRequired      = errors.New("step-up verification required")
)

// ValidationError names the malformed field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// storeError marks a persistence failure as transient.
func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
