package store

import (
	"errors"
	"fmt"
	"strings"

	"stateline/internal/db"
)

// NotFoundError means no live record matched the id under the given scope.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError means a live record already holds the same values for a unique key.
type ConflictError struct {
	Resource string
	Key      string
	Fields   []string
}

func (e *ConflictError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s already exists", e.Resource)
	}
	return fmt.Sprintf("%s with the same %s already exists", e.Resource, strings.Join(e.Fields, ", "))
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StoreUnavailableError wraps failures to reach or lock the backing store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

// Classify turns driver level connectivity failures into StoreUnavailableError
// and annotates anything else with the operation name. Errors already typed by
// this package pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsConflict(err) || IsValidation(err) || IsUnavailable(err) {
		return err
	}
	if db.IsUnavailable(err) {
		return &StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
