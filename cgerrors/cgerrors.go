package cgerrors

import (
	"errors"
	"fmt"
)

// Code is a stable, programmatic error identifier carried on the wire.
type Code string

const (
	CodeParseError        Code = "PARSE_ERROR"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeUnknownOperation  Code = "UNKNOWN_OPERATION"
	CodeValidationError   Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeConflict          Code = "CONFLICT"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeBackpressure      Code = "BACKPRESSURE"
	CodeInternal          Code = "INTERNAL_ERROR"
	CodeBucketNotDefined  Code = "BUCKET_NOT_DEFINED"
	CodeQueryNotDefined   Code = "QUERY_NOT_DEFINED"
	CodeRulesNotAvailable Code = "RULES_NOT_AVAILABLE"
)

// Error is a structured, programmatically identifiable protocol error.
type Error struct {
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a typed error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of the error carrying structured details.
func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Details = details
	return &cp
}

// Wrap attaches an underlying cause to a typed error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// As extracts a typed error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of a typed error, or CodeInternal for anything else.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Internalize maps any error onto the wire taxonomy. Typed errors pass
// through unchanged; anything else becomes a generic INTERNAL_ERROR so the
// original detail never leaks to clients.
func Internalize(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}
