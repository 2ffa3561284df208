package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRule is wrapped by every ValidationError.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrRuleNotFound indicates the rule id does not exist, typically because
	// it was deleted while a pass was in flight.
	ErrRuleNotFound = errors.New("rule not found")
)

// ValidationError identifies the field that made a rule invalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
