// Package errors provides the error taxonomy of the forwarding transport.
// Every failure surfaced to a caller carries a string Code so handlers can map
// it to a response and tests can match it with Is.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeDisposed indicates a resource was used after it was disposed.
	CodeDisposed Code = "RESOURCE_DISPOSED"

	// CodeUnsupportedTarget indicates no supported impersonation target could be resolved.
	CodeUnsupportedTarget Code = "UNSUPPORTED_TARGET"

	// CodeTransferFailed indicates the native engine reported a failure not caused by cancellation.
	CodeTransferFailed Code = "TRANSFER_FAILED"

	// CodeCallbackFailed indicates a write or read callback failed, e.g. the body consumer went away.
	CodeCallbackFailed Code = "CALLBACK_FAILED"

	// CodeCancelled indicates the caller's cancellation signal fired.
	CodeCancelled Code = "CANCELLED"

	// CodeEngineFailure indicates the native runtime itself misbehaved (multiplexer, probing).
	CodeEngineFailure Code = "ENGINE_FAILURE"

	// CodeInvalidRequest indicates the request could not be handed to the engine.
	CodeInvalidRequest Code = "INVALID_REQUEST"
)

// Error is the structured error type of this module.
type Error struct {
	Code    Code
	Message string
	// NativeCode is the engine's numeric result, zero when not applicable.
	NativeCode int
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.NativeCode != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.NativeCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for matching with Is.
var (
	ErrDisposed          = &Error{Code: CodeDisposed, Message: "resource disposed"}
	ErrUnsupportedTarget = &Error{Code: CodeUnsupportedTarget, Message: "unsupported impersonation target"}
	ErrTransferFailed    = &Error{Code: CodeTransferFailed, Message: "transfer failed"}
	ErrCallbackFailed    = &Error{Code: CodeCallbackFailed, Message: "transfer callback failed"}
	ErrCancelled         = &Error{Code: CodeCancelled, Message: "transfer cancelled"}
	ErrEngineFailure     = &Error{Code: CodeEngineFailure, Message: "engine failure"}
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code around cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Native creates an error carrying an engine result code and its message.
func Native(code Code, nativeCode int, message string) *Error {
	return &Error{Code: code, Message: message, NativeCode: nativeCode}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
