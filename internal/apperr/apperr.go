// Package apperr classifies errors into the kinds callers act on.
//
// Kinds:
//   - ErrValidation: bad input; fix the request, never retried
//   - ErrForbidden: the caller does not own the resource or has the wrong role
//   - ErrNotFound: the entity does not exist
//   - ErrConflict: the system is in a different state than the caller assumed; refresh
//   - ErrGatewayTransient: payment gateway unreachable or 5xx; safe to retry
//   - ErrGatewayDeclined: gateway refused the hold or capture; use another payment method
//
// Anything else is infrastructure and surfaces as a 500.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("state conflict")
	ErrGatewayTransient = errors.New("payment gateway temporarily unavailable")
	ErrGatewayDeclined  = errors.New("payment declined")
)

// Error is a classified failure with a stable machine code and a message
// that can be shown to the user.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Validation returns an ErrValidation-kind error.
func Validation(code, msg string) error { return newError(ErrValidation, code, msg) }

// Forbidden returns an ErrForbidden-kind error.
func Forbidden(code, msg string) error { return newError(ErrForbidden, code, msg) }

// NotFound returns an ErrNotFound-kind error.
func NotFound(code, msg string) error { return newError(ErrNotFound, code, msg) }

// Conflict returns an ErrConflict-kind error.
func Conflict(code, msg string) error { return newError(ErrConflict, code, msg) }

// Transient wraps a gateway failure that may succeed on retry.
func Transient(code string, err error) error {
	return &Error{Kind: ErrGatewayTransient, Code: code, Message: "payment gateway unavailable, retry shortly", Err: err}
}

// Declined wraps a terminal gateway refusal.
func Declined(code, msg string, err error) error {
	return &Error{Kind: ErrGatewayDeclined, Code: code, Message: msg, Err: err}
}

// Code returns the machine code of a classified error, or "internal_error".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// Message returns the user-facing message of a classified error. Unclassified
// errors never leak their text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "An unexpected error occurred"
}

// HTTPStatus maps an error to the HTTP status code for its kind.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrGatewayDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrGatewayTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsBusiness reports whether err is one of the classified, non-infrastructure kinds.
func IsBusiness(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
