package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatStorage        ErrorCategory = "storage"             // Store exception or read/write mismatch
	ErrCatIntegrity      ErrorCategory = "integrity"           // Memory or post-init verification failed
	ErrCatInitialization ErrorCategory = "initialization"      // Bootstrap collaborator failed
	ErrCatUncaught       ErrorCategory = "uncaught_runtime"    // Caught by the hook chain
	ErrCatRejection      ErrorCategory = "unhandled_rejection" // Unobserved async failure
	ErrCatConfig         ErrorCategory = "config"              // Invalid configuration
	ErrCatInternal       ErrorCategory = "internal"            // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrStorage creates a storage error.
func ErrStorage(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatStorage,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrIntegrity creates an integrity error.
func ErrIntegrity(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatIntegrity,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrInitialization creates an initialization error.
func ErrInitialization(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInitialization,
		Code:      CodeInitFailed,
		Message:   message,
		Retryable: true,
	}
}

// ErrUncaught creates an error describing a failure caught by the hook chain.
func ErrUncaught(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatUncaught,
		Code:      CodeUncaught,
		Message:   message,
		Retryable: false,
	}
}

// ErrRejection creates an error describing an unobserved async failure.
func ErrRejection(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRejection,
		Code:      CodeUnhandledRejection,
		Message:   message,
		Retryable: false,
	}
}

// ErrConfig creates a configuration error.
func ErrConfig(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConfig,
		Code:      CodeInvalidConfig,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeProbeMismatch      = "PROBE_MISMATCH"
	CodeProbeFailed        = "PROBE_FAILED"
	CodeWriteFailed        = "WRITE_FAILED"
	CodeProbeTimeout       = "PROBE_TIMEOUT"
	CodeMemoryPressure     = "MEMORY_PRESSURE"
	CodePostInitCheck      = "POST_INIT_CHECK_FAILED"
	CodeInitFailed         = "INIT_FAILED"
	CodeInitPanicked       = "INIT_PANICKED"
	CodeUncaught           = "UNCAUGHT_ERROR"
	CodeUnhandledRejection = "UNHANDLED_REJECTION"
	CodeInvalidConfig      = "INVALID_CONFIG"
)
