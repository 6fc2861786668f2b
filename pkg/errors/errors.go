// Package errors provides the structured error type used across the
// storefront gateway. Infrastructure failures (configuration, Redis,
// identity provider HTTP calls) are returned as [*Error] values carrying a
// machine-readable [Code] that maps onto an HTTP status.
//
// Authentication outcomes are not errors: the authenticator reports them
// as reason strings on its decision value. This package is for failures of
// the machinery itself.
//
// # Usage
//
//	err := errors.Wrap(err, errors.CodeUnavailableDependency, "jwks: fetch failed")
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("request failed", "code", e.Code, "message", e.Message)
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a structured error with a code, message, and optional cause.
type Error struct {
	// Code is the machine-readable error code (e.g., "AUTH_001").
	Code Code

	// Message is safe to return to clients. It must not contain tokens,
	// secrets or internal addresses.
	Message string

	// Cause is the underlying error, reachable through Unwrap.
	Cause error

	// Details carries additional structured data for logging.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause so errors.Is and errors.As see it.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code for the error's category.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "AUTHZ":
		return http.StatusForbidden
	case "RATE":
		return http.StatusTooManyRequests
	case "INT":
		return http.StatusInternalServerError
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns a copy of the error with one detail added.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Wrap returns nil if err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a code and formatted message. Wrapf returns nil if
// err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or the
// empty code.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsRetryable reports whether err is a timeout or unavailability error.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "TIMEOUT", "UNAVAIL":
		return true
	default:
		return false
	}
}
