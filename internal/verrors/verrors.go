// Package verrors defines the stable error taxonomy for the context engine.
// Every public failure maps to exactly one Code; internal errors are wrapped
// with a code at the boundary where they become user-visible.
package verrors

import (
	"context"
	"errors"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeUnsupportedFormat  Code = "UNSUPPORTED_FORMAT"
	CodeNotProcessed       Code = "NOT_PROCESSED"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeTimeout            Code = "TIMEOUT"
	CodeCancelled          Code = "CANCELLED"
	CodeDependencyError    Code = "DEPENDENCY_ERROR"
)

// New creates a coded error.
func New(code Code, msg string) error {
	return oops.Code(string(code)).New(msg)
}

// Errorf creates a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return oops.Code(string(code)).Errorf(format, args...)
}

// Wrap attaches a code to an existing error chain. Returns nil for nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).Wrapf(err, "%s", msg)
}

// Wrapf attaches a code with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(code)).Wrapf(err, format, args...)
}

// With attaches structured key/value context to a coded error.
func With(err error, kv ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(string(CodeOf(err))).With(kv...).Wrap(err)
}

// CodeOf extracts the code from an error chain. Context cancellation and
// deadline errors map to CANCELLED / TIMEOUT even when never wrapped.
// Errors without a code report DEPENDENCY_ERROR, the catch-all for
// misbehaving collaborators.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if c, ok := oopsErr.Code().(string); ok && c != "" {
			return Code(c)
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeDependencyError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsNotFound is a shorthand used on hot read paths.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsTransient reports whether an error should feed the retry/backoff path.
// Timeouts and dependency failures retry; taxonomy errors do not.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeResourceExhausted, CodeDependencyError:
		return true
	}
	return false
}
