package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry.
	// Examples: cache directory not writable, ledger busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that repeats for the same request.
	// Examples: invalid viewport, unresolvable bounds, arithmetic overflow.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled indicates the request was cancelled by the caller. It never
	// leaves Generate, which reports cancellation as "no dataset".
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Viewport is the viewport key the error relates to, if any.
	Viewport string `json:"viewport,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Viewport != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (viewport=%s, operation=%s): %s",
			e.Class, e.Message, e.Viewport, e.Operation, e.unwrapMessage())
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s): %s",
			e.Class, e.Message, e.Operation, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancelled,
		Message: message,
		Code:    ErrCodeCancelled,
		Err:     err,
	}
}

// WithViewport adds viewport context to an error.
func (e *EngineError) WithViewport(key string) *EngineError {
	e.Viewport = key
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCancelled
	}
	return false
}

// IsPolicyDenied returns true if an admission policy denied the request.
func IsPolicyDenied(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodePolicyDenied
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// ClassOf returns the class and code of err for metrics labels.
func ClassOf(err error) (ErrorClass, string) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, e.Code
	}
	return ErrorClassPermanent, ErrCodeInternal
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeUnresolvable   = "UNRESOLVABLE_VIEWPORT"
	ErrCodeArithmetic     = "ARITHMETIC_ERROR"
	ErrCodeInvalidDataset = "INVALID_DATASET"
	ErrCodeCacheRead      = "CACHE_READ_FAILED"
	ErrCodeCacheWrite     = "CACHE_WRITE_FAILED"
	ErrCodeLedger         = "LEDGER_WRITE_FAILED"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)
