package registry

import (
	"errors"
	"fmt"
)

// Code classifies a registry failure for API mapping. Codes are part of
// the wire contract; renaming one breaks clients.
type Code string

const (
	CodeInvalidSchema    Code = "INVALID_SCHEMA"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// Error is the registry's failure envelope: a stable code plus a
// human-readable message, with the underlying cause preserved for
// errors.Is/As.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the registry code from err, or CodeInternal when err
// carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool { return err != nil && CodeOf(err) == code }
