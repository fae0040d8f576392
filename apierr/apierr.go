// Package apierr defines the closed set of user-visible error kinds and
// their HTTP status mapping. Every error that crosses the API boundary is
// an *Error; internal errors are wrapped into INTERNAL_ERROR before leaving
// the process so stack detail never reaches a client.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error code from the closed vocabulary.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindInvalidJSON        Kind = "INVALID_JSON"
	KindMissingRequired    Kind = "MISSING_REQUIRED"
	KindInvalidFunctionID  Kind = "INVALID_FUNCTION_ID"
	KindInvalidVersion     Kind = "INVALID_VERSION"
	KindInvalidLanguage    Kind = "INVALID_LANGUAGE"
	KindInvalidParameter   Kind = "INVALID_PARAMETER"
	KindInvalidDuration    Kind = "INVALID_DURATION"
	KindInvalidCursor      Kind = "INVALID_CURSOR"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindFunctionNotFound   Kind = "FUNCTION_NOT_FOUND"
	KindMethodNotAllowed   Kind = "METHOD_NOT_ALLOWED"
	KindTimeout            Kind = "TIMEOUT"
	KindConflict           Kind = "CONFLICT"
	KindPayloadTooLarge    Kind = "PAYLOAD_TOO_LARGE"
	KindCascadeExhausted   Kind = "CASCADE_EXHAUSTED"
	KindCompilationError   Kind = "COMPILATION_ERROR"
	KindExecutionError     Kind = "EXECUTION_ERROR"
	KindInternal           Kind = "INTERNAL_ERROR"
	KindNotImplemented     Kind = "NOT_IMPLEMENTED"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindCancelled          Kind = "CANCELLED"
)

// statusByKind maps each kind to its HTTP status code.
var statusByKind = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindInvalidJSON:        http.StatusBadRequest,
	KindMissingRequired:    http.StatusBadRequest,
	KindInvalidFunctionID:  http.StatusBadRequest,
	KindInvalidVersion:     http.StatusBadRequest,
	KindInvalidLanguage:    http.StatusBadRequest,
	KindInvalidParameter:   http.StatusBadRequest,
	KindInvalidDuration:    http.StatusBadRequest,
	KindInvalidCursor:      http.StatusBadRequest,
	KindCompilationError:   http.StatusBadRequest,
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindFunctionNotFound:   http.StatusNotFound,
	KindMethodNotAllowed:   http.StatusMethodNotAllowed,
	KindTimeout:            http.StatusRequestTimeout,
	KindConflict:           http.StatusConflict,
	KindPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	KindCascadeExhausted:   http.StatusUnprocessableEntity,
	KindExecutionError:     http.StatusInternalServerError,
	KindInternal:           http.StatusInternalServerError,
	KindNotImplemented:     http.StatusNotImplemented,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindRateLimited:        http.StatusTooManyRequests,
	KindCancelled:          http.StatusInternalServerError,
}

// Error is a user-visible error carrying a kind, a human message, and
// optional structured details.
type Error struct {
	Kind    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause. The cause is
// available to errors.Is/As but is not serialized to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// KindOf extracts the kind from an error chain. Unrecognized errors map to
// INTERNAL_ERROR.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// From converts any error to an *Error. Non-API errors become
// INTERNAL_ERROR with a generic message; the original error stays attached
// as the cause for logging.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(KindInternal, "internal error", err)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
