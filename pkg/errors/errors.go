// Package errors provides the unified error handling mechanism for the
// trainer. It defines a structured error system with error codes and types
// so that construction-time precondition violations can be told apart from
// runtime failures that should abort the training process.
package errors

import (
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation indicates an invalid configuration or argument
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeData indicates malformed or inconsistent batch data
	ErrorTypeData ErrorType = "DATA"

	// ErrorTypeCheckpoint indicates a checkpoint save/load failure
	ErrorTypeCheckpoint ErrorType = "CHECKPOINT"

	// ErrorTypeTraining indicates a failure inside the training loop
	ErrorTypeTraining ErrorType = "TRAINING"

	// ErrorTypeInfrastructure indicates an external service failure
	ErrorTypeInfrastructure ErrorType = "INFRASTRUCTURE"

	// ErrorTypeInternal indicates an unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents a structured trainer error
type AppError struct {
	// Code is the error code (e.g., "LOSS_001")
	Code string `json:"code"`

	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`

	// Stack contains the stack trace (for internal errors)
	Stack string `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// New creates a new AppError from a code definition. An empty message
// falls back to the code's message template.
func New(code ErrorCode, message string) *AppError {
	if message == "" {
		message = code.Message
	}
	return &AppError{
		Code:    code.Code,
		Type:    code.Type,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new AppError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

// WrapWithStack wraps an error and captures the stack trace
func WrapWithStack(err error, code ErrorCode, message string) *AppError {
	appErr := Wrap(err, code, message)
	if appErr != nil {
		appErr.Stack = captureStack()
	}
	return appErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// Is checks if an error carries a specific code
func Is(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Code == code.Code
}

// IsType checks if an error matches a specific type
func IsType(err error, errType ErrorType) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Type == errType
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	appErr, ok := err.(*AppError)
	if !ok {
		return "UNKNOWN"
	}
	return appErr.Code
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return New(ErrTrainInvalidConfig, message)
}

// ValidationErrorf creates a validation error with a formatted message
func ValidationErrorf(format string, args ...interface{}) *AppError {
	return Newf(ErrTrainInvalidConfig, format, args...)
}

// InternalError creates an internal error with a captured stack
func InternalError(message string) *AppError {
	appErr := New(ErrInternal, message)
	appErr.Stack = captureStack()
	return appErr
}

// InfrastructureError wraps an external service failure
func InfrastructureError(service string, err error) *AppError {
	return Wrap(err, ErrInfrastructure, fmt.Sprintf("infrastructure service '%s' error", service))
}
