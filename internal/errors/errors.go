// Package errors provides structured error types for courier.
// All errors include a category, code, message, and retryable flag so the
// uploader can decide between backoff and giving up.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryNetwork    ErrorCategory = "NETWORK"
	ErrCategoryPlugin     ErrorCategory = "PLUGIN"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidEvent  = "INVALID_EVENT"
	CodeEventTooLarge = "EVENT_TOO_LARGE"

	// Storage codes
	CodeWriteFailed  = "WRITE_FAILED"
	CodeReadFailed   = "READ_FAILED"
	CodeFileNotFound = "FILE_NOT_FOUND"
	CodeStateFailed  = "STATE_FAILED"

	// Network codes
	CodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	CodeRetryableStatus    = "RETRYABLE_STATUS"
	CodeUnknownFailure     = "UNKNOWN_FAILURE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInvalidWriteKey    = "INVALID_WRITE_KEY"
	CodeSourceNotFound     = "SOURCE_NOT_FOUND"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"

	// Plugin codes
	CodeSetupFailed = "SETUP_FAILED"
	CodePanicked    = "PANICKED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CourierError is the structured error type used throughout the system.
type CourierError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CourierError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CourierError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CourierError) Is(target error) bool {
	var t *CourierError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CourierError.
func New(category ErrorCategory, code, message string) *CourierError {
	return &CourierError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CourierError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CourierError {
	return &CourierError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CourierError) WithDetails(details map[string]interface{}) *CourierError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CourierError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CourierError.
func GetCategory(err error) ErrorCategory {
	var ce *CourierError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CourierError.
func GetCode(err error) string {
	var ce *CourierError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable reports whether delivery of the same data may succeed later.
func isRetryable(category ErrorCategory, code string) bool {
	if category != ErrCategoryNetwork {
		return false
	}
	switch code {
	case CodeNetworkUnavailable, CodeRetryableStatus, CodeUnknownFailure:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *CourierError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *CourierError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewNetworkError(code, message string, cause error) *CourierError {
	return Wrap(ErrCategoryNetwork, code, message, cause)
}

func NewPluginError(code, message string, cause error) *CourierError {
	return Wrap(ErrCategoryPlugin, code, message, cause)
}

func NewConfigError(message string) *CourierError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *CourierError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
