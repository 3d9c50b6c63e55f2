// Package errs defines the error taxonomy shared across the dose engine.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError indicates malformed command or schedule input. Nothing is
// written when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for a field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError indicates a referenced command or event is missing, typically
// a race with a concurrent deletion. Sweeps treat it as a skip.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConsistencyError indicates an action attempted from an ineligible state,
// for example a second "take" on an already-taken dose. State is unchanged.
type ConsistencyError struct {
	Action string
	State  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: cannot %s from state %s", e.Action, e.State)
}

// Consistency builds a ConsistencyError.
func Consistency(action, state string) error {
	return &ConsistencyError{Action: action, State: state}
}

// TransientStoreError wraps a batch-write failure that may succeed on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientStoreError.
func Transient(op string, err error) error {
	return &TransientStoreError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsConsistency reports whether err is a ConsistencyError.
func IsConsistency(err error) bool {
	var v *ConsistencyError
	return errors.As(err, &v)
}

// IsTransient reports whether err is a TransientStoreError.
func IsTransient(err error) bool {
	var v *TransientStoreError
	return errors.As(err, &v)
}
