// Package errors provides the kind-tagged error type used across the engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error kinds surfaced to API callers.
const (
	KindInvalidOrder      = "INVALID_ORDER"
	KindInsufficientFunds = "INSUFFICIENT_FUNDS"
	KindNotFound          = "NOT_FOUND"
	KindAlreadyTerminal   = "ALREADY_TERMINAL"
	KindRetryableLedger   = "RETRYABLE_LEDGER_ERROR"
	KindInternal          = "INTERNAL"
)

// Error carries a caller-visible kind alongside the message and cause.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func New(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new kind-tagged error.
func Wrap(kind string, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Invalid builds a validation error.
func Invalid(format string, args ...any) *Error {
	return Newf(KindInvalidOrder, format, args...)
}

// InsufficientFunds builds a resource error for a failed balance lock.
func InsufficientFunds(format string, args ...any) *Error {
	return Newf(KindInsufficientFunds, format, args...)
}

// NotFound builds a lookup error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// AlreadyTerminal signals an operation against a filled or cancelled order.
func AlreadyTerminal(format string, args ...any) *Error {
	return Newf(KindAlreadyTerminal, format, args...)
}

// Retryable wraps a transient ledger failure after retries are exhausted.
func Retryable(cause error, message string) *Error {
	return Wrap(KindRetryableLedger, cause, message)
}

// Internal wraps a bug-class failure (invariant violation, unexpected state).
func Internal(cause error, message string) *Error {
	return Wrap(KindInternal, cause, message)
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a transient ledger error worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryableLedger
}

// HTTPStatus maps an error kind to the HTTP status returned by the API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidOrder:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyTerminal:
		return http.StatusConflict
	case KindRetryableLedger:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
