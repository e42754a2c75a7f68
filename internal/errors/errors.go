package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type shared by every layer.
// The HTTP server maps codes to status classes; the CLI maps them to exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeSession     Code = 14
	CodeSponsor     Code = 15
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to the status the API surface reports.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUsage, CodeUnsupported:
		return 400
	case CodeAuth:
		return 401
	case CodeRateLimited:
		return 429
	case CodeUnavailable, CodeSponsor:
		return 502
	default:
		return 500
	}
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	return int(CodeOf(err))
}
