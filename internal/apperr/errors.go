package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports every problem found in a rejected input.
type ValidationError struct {
	Entity   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Entity, strings.Join(e.Problems, "; "))
}

// Validator accumulates problems for one entity.
type Validator struct {
	entity   string
	problems []string
}

// NewValidator starts a problem list for the named entity.
func NewValidator(entity string) *Validator {
	return &Validator{entity: entity}
}

// Check records msg when ok is false.
func (v *Validator) Check(ok bool, format string, args ...any) {
	if !ok {
		v.problems = append(v.problems, fmt.Sprintf(format, args...))
	}
}

// Addf records a problem unconditionally.
func (v *Validator) Addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// Err returns nil when no problems were recorded.
func (v *Validator) Err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Entity: v.entity, Problems: v.problems}
}

// NotFoundError is returned for an unknown id on get/update/delete.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// UnsupportedTypeError is returned when a type tag has no registered
// implementation (collector strategy or notification handler).
type UnsupportedTypeError struct {
	Kind string
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported %s type %q", e.Kind, e.Type)
}

// CollectionError wraps a failed fetch or transform of one collector.
type CollectionError struct {
	CollectorID string
	Err         error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collector %s: %v", e.CollectorID, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// EvaluationError wraps a failed query or condition check of one rule.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// NotificationError wraps a failed send to one channel.
type NotificationError struct {
	ChannelID   string
	ChannelType string
	Err         error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("channel %s (%s): %v", e.ChannelID, e.ChannelType, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
