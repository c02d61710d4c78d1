// Package apperr defines the error taxonomy shared by every component of the pipeline. Every error that
// crosses a component boundary (orchestrator ack, writer dead-letter, reader response) is one of these codes so
// that callers can make uniform retry/terminal decisions without inspecting component-specific error types.
package apperr

import (
	"errors"
	"fmt"
)

// Code is one of the taxonomy members from the error handling design.
type Code string

const (
	Unauthenticated    Code = "unauthenticated"
	PermissionDenied   Code = "permission_denied"
	InvalidArgument    Code = "invalid_argument"
	FailedPrecondition Code = "failed_precondition"
	AlreadyExists      Code = "already_exists"
	Unavailable        Code = "unavailable"
	DeadlineExceeded   Code = "deadline_exceeded"
	Internal           Code = "internal"
	NotFound           Code = "not_found"
)

// Terminal reports whether a caller should give up without retrying this exact attempt.
func (c Code) Terminal() bool {
	switch c {
	case PermissionDenied, InvalidArgument, FailedPrecondition, NotFound:
		return true
	default:
		return false
	}
}

// Error is a taxonomy-tagged error carrying a tenant-scoped request ID and optional detail, matching §7 of the
// error handling design: "detail never leaks tenant-cross data" is the caller's obligation when populating Detail.
type Error struct {
	Code      Code
	Message   string
	Detail    string
	RequestID string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a tagged error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap tags an existing error with a taxonomy code, preserving it as the cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRequestID returns a copy of the error carrying the given request ID.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// WithDetail returns a copy of the error carrying the given detail string. Callers must ensure detail does not
// include data from another tenant.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal for untagged errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err (or something it wraps) carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
