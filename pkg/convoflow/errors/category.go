// Package errors provides error categorization and retry strategies.
//
// Every failure in the engine falls into one of five categories that
// determine how it is handled:
//   - Config: broken workflow definition, fail fast, never retried
//   - Budget: token/cost cap exceeded, fatal for the current build
//   - Integrity: content hash mismatch, fatal, never tolerated
//   - Transient: collaborator hiccups, recovered locally or retried
//   - Validation: malformed templates or inputs, fatal to that step
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: storage read failures, model call timeouts.
	CategoryTransient Category = iota

	// CategoryConfig indicates a broken workflow definition.
	// Examples: unknown node type, missing entry point.
	CategoryConfig

	// CategoryBudget indicates a token or cost cap was exceeded.
	CategoryBudget

	// CategoryIntegrity indicates content corruption or tampering.
	CategoryIntegrity

	// CategoryValidation indicates malformed input to a build step.
	// Examples: unsafe variable paths, oversized templates.
	CategoryValidation
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryConfig:
		return "config"
	case CategoryBudget:
		return "budget"
	case CategoryIntegrity:
		return "integrity"
	case CategoryValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Classifier is implemented by typed errors that know their own category.
// The budget, content, and interp packages attach categories to their
// error types this way.
type Classifier interface {
	ErrorCategory() Category
}

// CategorizedError wraps an error with an explicit category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %v (category: %s)", e.Context, e.Err, e.Category)
	}
	return fmt.Sprintf("%v (category: %s)", e.Err, e.Category)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// ErrorCategory implements Classifier.
func (e *CategorizedError) ErrorCategory() Category {
	return e.Category
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient wraps err as a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Config wraps err as a configuration error.
func Config(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryConfig, context)
}

// Validation wraps err as a validation error.
func Validation(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryValidation, context)
}

// Categorize determines how an error should be handled.
//
// Errors implementing Classifier report their own category. Context
// cancellation is config-adjacent: retrying a cancelled operation is
// pointless, so it maps to CategoryConfig. Everything else defaults
// to transient, matching the recover-locally policy for collaborator
// failures.
func Categorize(err error) Category {
	if err == nil {
		return CategoryConfig // shouldn't happen, fail safe
	}

	var classifier Classifier
	if errors.As(err, &classifier) {
		return classifier.ErrorCategory()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryConfig
	}

	return CategoryTransient
}

// Retryable reports whether retrying the operation might help.
// Only transient errors are retryable.
func Retryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
