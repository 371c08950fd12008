// Package clautherr defines the closed error taxonomy shared by every
// clauth core component (spec Section 7). Every subsystem returns one
// of these codes rather than ad-hoc errors so the brokered-request
// pipeline and the HTTP/CLI bindings can map failures consistently.
package clautherr

import "fmt"

// Code is one of the seven stable error codes clauth ever returns.
type Code string

const (
	Validation  Code = "VALIDATION_ERROR"
	AccessDenied Code = "ACCESS_DENIED"
	NotFound    Code = "NOT_FOUND"
	Unauthorized Code = "UNAUTHORIZED"
	RateLimited Code = "RATE_LIMITED"
	Upstream    Code = "UPSTREAM_ERROR"
	Internal    Code = "INTERNAL_ERROR"
)

// Status returns the HTTP-ish status conventionally associated with a code.
func (c Code) Status() int {
	switch c {
	case Validation:
		return 422
	case AccessDenied:
		return 403
	case NotFound:
		return 404
	case Unauthorized:
		return 401
	case RateLimited:
		return 429
	case Upstream:
		return 502
	default:
		return 500
	}
}

// Error is a clauth taxonomy error: a stable code plus a human message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a clautherr.Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a clautherr.Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a clautherr.Error carrying an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, otherwise returns Internal.
func CodeOf(err error) Code {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
