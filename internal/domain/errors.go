package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned when a step is aggregated without votes.
	// A step instance never exists without at least one vote, so this is a
	// caller bug.
	ErrEmptyInput = errors.New("no votes to aggregate")
	// ErrMissingRefusalReason rejects a refusal without a comment.
	ErrMissingRefusalReason = errors.New("a reason is required to refuse an approval")
	// ErrAnswered rejects edits that are only allowed while a vote is waiting.
	ErrAnswered = errors.New("approval already answered")
	ErrNotFound = errors.New("not found")
)

// InvalidPercentError reports a threshold outside [0,100].
type InvalidPercentError struct {
	Percent int
}

func (e InvalidPercentError) Error() string {
	return fmt.Sprintf("minimal required percent must be between 0 and 100, got %d", e.Percent)
}

// ValidatePercent checks a threshold value.
func ValidatePercent(p int) error {
	if p < 0 || p > 100 {
		return InvalidPercentError{Percent: p}
	}
	return nil
}

// NotFoundError names the missing entity. It matches ErrNotFound.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// DefinitionNotFound and StepInstanceNotFound build the two not-found errors
// raised by step resolution.
func DefinitionNotFound(id string) error {
	return NotFoundError{Entity: "step definition", ID: id}
}

func StepInstanceNotFound(id string) error {
	return NotFoundError{Entity: "step instance", ID: id}
}

// InvariantViolationError means a mutation would break the single-default
// definition rule. Reaching it in production indicates a bug.
type InvariantViolationError struct {
	Reason string
}

func (e InvariantViolationError) Error() string {
	return "invariant violation: " + e.Reason
}

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}
