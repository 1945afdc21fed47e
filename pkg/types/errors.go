package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCategory buckets runtime failures so the scheduler can pick a
// back-off instead of terminating. Nothing in the engine is fatal at
// runtime.
type ErrorCategory string

const (
	ErrorTransientData   ErrorCategory = "transient_data"
	ErrorExecution       ErrorCategory = "execution"
	ErrorConfig          ErrorCategory = "config"
	ErrorSafetyViolation ErrorCategory = "safety_violation"
)

// CategorizedError attaches a category to an underlying error.
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// TransientDataErr wraps an error as a transient data failure.
func TransientDataErr(err error) error {
	return &CategorizedError{Category: ErrorTransientData, Err: err}
}

// ExecutionErr wraps an error as an order execution failure.
func ExecutionErr(err error) error {
	return &CategorizedError{Category: ErrorExecution, Err: err}
}

// ConfigErr wraps an error as a configuration failure.
func ConfigErr(err error) error {
	return &CategorizedError{Category: ErrorConfig, Err: err}
}

// SafetyErr wraps an error as a safety violation.
func SafetyErr(err error) error {
	return &CategorizedError{Category: ErrorSafetyViolation, Err: err}
}

// Classify returns the category for err. Uncategorized network and
// timeout errors count as transient data failures; everything else
// defaults to execution.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrorTransientData
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransientData
	}
	return ErrorExecution
}
