package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error is the taxonomy-mapped error carried across component boundaries.
// Each layer catches the layer below and maps into its own code exactly once;
// workers route on Retryable, never on message strings.
type Error struct {
	Code       ErrorCode
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Details    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the code's default retryability.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.IsRetryable()}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap maps a lower-layer error into this layer's taxonomy, preserving the
// cause for errors.Is/As chains.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithRetryable overrides the code-level default.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records the server-advised delay (surfaced as Retry-After).
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithDetail attaches a single context field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from any error, falling back to
// INTERNAL_ERROR for unclassified errors.
func CodeOf(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable reports whether the error carries a retryable classification.
// Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// RetryAfterOf returns the advised retry delay, zero if none.
func RetryAfterOf(err error) time.Duration {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// AsError returns the taxonomy error if err carries one.
func AsError(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
