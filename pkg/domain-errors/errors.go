// Package domainerrors carries coded errors across package boundaries.
//
// Services return these (optionally wrapping an infrastructure cause) so that
// callers can branch on the error kind without string matching. The codes map
// onto the engine's error taxonomy:
//   - CodeValidation: client-caused, never retried
//   - CodeIntegrityViolation: hash or signature mismatch, always recorded
//   - CodeTransient: broker/storage/KMS network or timeout, retried with backoff
//   - CodePermanent: discovered at processing time, routed straight to dead letter
//   - CodeInvariantViolation: illegal state transition, returned to the caller
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an Error.
type Code string

const (
	CodeValidation         Code = "validation"
	CodeInvalidInput       Code = "invalid_input"
	CodeIntegrityViolation Code = "integrity_violation"
	CodeTransient          Code = "transient"
	CodePermanent          Code = "permanent"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the outermost code in the chain, or "" if none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// HasCode reports whether any coded error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is reports whether the outermost coded error in the chain has code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
