package trpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is the symbolic kind of a procedure error.
type Code string

// Error codes carried by *Error.
const (
	CodeParseError          Code = "PARSE_ERROR"
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeInputValidation     Code = "INPUT_VALIDATION"
	CodeOutputValidation    Code = "OUTPUT_VALIDATION"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeMethodNotSupported  Code = "METHOD_NOT_SUPPORTED"
	CodeTimeout             Code = "TIMEOUT"
	CodeConflict            Code = "CONFLICT"
	CodePreconditionFailed  Code = "PRECONDITION_FAILED"
	CodePayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	CodeUnprocessable       Code = "UNPROCESSABLE_CONTENT"
	CodeTooManyRequests     Code = "TOO_MANY_REQUESTS"
	CodeClientClosedRequest Code = "CLIENT_CLOSED_REQUEST"
	CodeInternalServerError Code = "INTERNAL_SERVER_ERROR"
	CodeNotImplemented      Code = "NOT_IMPLEMENTED"

	// Build-time codes. These are raised while constructing procedures
	// and routers and never reach a client.
	CodeInvalidBuild  Code = "INVALID_BUILD"
	CodeDuplicatePath Code = "DUPLICATE_PATH"
)

type codeInfo struct {
	jsonrpc int
	status  int
}

var codeTable = map[Code]codeInfo{
	CodeParseError:          {-32700, http.StatusBadRequest},
	CodeBadRequest:          {-32600, http.StatusBadRequest},
	CodeInputValidation:     {-32600, http.StatusBadRequest},
	CodeOutputValidation:    {-32603, http.StatusInternalServerError},
	CodeUnauthorized:        {-32001, http.StatusUnauthorized},
	CodeForbidden:           {-32003, http.StatusForbidden},
	CodeNotFound:            {-32004, http.StatusNotFound},
	CodeMethodNotSupported:  {-32005, http.StatusMethodNotAllowed},
	CodeTimeout:             {-32008, http.StatusRequestTimeout},
	CodeConflict:            {-32009, http.StatusConflict},
	CodePreconditionFailed:  {-32012, http.StatusPreconditionFailed},
	CodePayloadTooLarge:     {-32013, http.StatusRequestEntityTooLarge},
	CodeUnprocessable:       {-32022, http.StatusUnprocessableEntity},
	CodeTooManyRequests:     {-32029, http.StatusTooManyRequests},
	CodeClientClosedRequest: {-32099, 499},
	CodeInternalServerError: {-32603, http.StatusInternalServerError},
	CodeNotImplemented:      {-32603, http.StatusNotImplemented},
	CodeInvalidBuild:        {-32603, http.StatusInternalServerError},
	CodeDuplicatePath:       {-32603, http.StatusInternalServerError},
}

// JSONRPC returns the JSON-RPC 2.0 error number for the code.
// Unknown codes map to the internal error number.
func (c Code) JSONRPC() int {
	if info, ok := codeTable[c]; ok {
		return info.jsonrpc
	}
	return -32603
}

// HTTPStatus returns the HTTP status used when the code is sent over HTTP.
func (c Code) HTTPStatus() int {
	if info, ok := codeTable[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Known reports whether c is one of the predefined codes.
func (c Code) Known() bool {
	_, ok := codeTable[c]
	return ok
}

// ErrNextNotCalled is the cause attached when a middleware returns without
// calling next.
var ErrNextNotCalled = errors.New("no result from middlewares - did you forget to return next()?")

// Error is the error type produced by procedures, routers and the caller.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new procedure error.
func NewError(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

// internalMessage replaces the message of errors that carry no code. The
// wrapped error is kept as Cause, which is logged but never sent.
const internalMessage = "internal server error"

// WrapError creates a new procedure error wrapping an existing error.
// An empty message falls back to the cause's message, except for
// INTERNAL_SERVER_ERROR where it falls back to a generic message.
func WrapError(code Code, message string, cause error) *Error {
	if message == "" {
		switch {
		case code == CodeInternalServerError:
			message = internalMessage
		case cause != nil:
			message = cause.Error()
		default:
			message = string(code)
		}
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// FromError converts any error into an *Error. Errors that already carry a
// code anywhere in their chain keep it; context errors map to
// CLIENT_CLOSED_REQUEST and TIMEOUT; everything else becomes an
// INTERNAL_SERVER_ERROR with the original attached as Cause.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return WrapError(CodeClientClosedRequest, "request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeTimeout, "request timed out", err)
	}
	return WrapError(CodeInternalServerError, internalMessage, err)
}

// fromPanic converts a recovered panic value into an *Error.
func fromPanic(v any) *Error {
	if err, ok := v.(error); ok {
		return FromError(err)
	}
	return WrapError(CodeInternalServerError, internalMessage, fmt.Errorf("panic: %v", v))
}

// ErrNotFound returns a not found error for a procedure path.
func ErrNotFound(path string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("no procedure found on path %q", path))
}

// ErrBadRequest returns a bad request error.
func ErrBadRequest(message string) *Error {
	return NewError(CodeBadRequest, message)
}

// ErrUnauthorized returns an unauthorized error.
func ErrUnauthorized(message string) *Error {
	return NewError(CodeUnauthorized, message)
}

// ErrForbidden returns a forbidden error.
func ErrForbidden(message string) *Error {
	return NewError(CodeForbidden, message)
}

// ErrInputValidation returns an input validation error.
func ErrInputValidation(cause error) *Error {
	return WrapError(CodeInputValidation, "input validation failed", cause)
}

// ErrOutputValidation returns an output validation error.
func ErrOutputValidation(cause error) *Error {
	return WrapError(CodeOutputValidation, "output validation failed", cause)
}

// ErrInternal returns an internal error.
func ErrInternal(cause error) *Error {
	return WrapError(CodeInternalServerError, internalMessage, cause)
}

func errInvalidBuild(format string, args ...any) *Error {
	return NewError(CodeInvalidBuild, fmt.Sprintf(format, args...))
}

func errDuplicatePath(path string) *Error {
	return NewError(CodeDuplicatePath, fmt.Sprintf("duplicate procedure path %q", path))
}
