// Copyright © 2024 The robotdev authors

package jsonrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Reserved error codes.
const (
	CodeParseError       int64 = jsonrpc2.CodeParseError
	CodeInvalidRequest   int64 = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound   int64 = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams    int64 = jsonrpc2.CodeInvalidParams
	CodeInternalError    int64 = jsonrpc2.CodeInternalError
	CodeRequestCancelled int64 = -32800
)

// Error is a JSON-RPC error object. Handlers return it to control the code
// and message of the error response; remote errors are returned to callers
// as *Error.
type Error = jsonrpc2.Error

// NewError returns an error object with a formatted message.
func NewError(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrClosed is returned for outgoing requests when the transport closes
	// before their response arrives.
	ErrClosed = errors.New("jsonrpc: connection closed")
	// ErrCancelled is returned when the caller cancels an outgoing request.
	ErrCancelled = errors.New("jsonrpc: request cancelled")
	// ErrTimeout is returned when the caller's deadline passes before the
	// response arrives.
	ErrTimeout = errors.New("jsonrpc: request timed out")
)

// paramsError marks a failure to bind request params to the handler's
// parameter type.
type paramsError struct {
	method string
	err    error
}

func (e *paramsError) Error() string {
	return fmt.Sprintf("invalid params for %s: %v", e.method, e.err)
}

func (e *paramsError) Unwrap() error { return e.err }

// toWireError maps a handler error to the error object sent to the peer.
// The second result reports whether the error is unexpected and should be
// logged.
func toWireError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, false
	}
	var perr *paramsError
	if errors.As(err, &perr) {
		return &Error{Code: CodeInvalidParams, Message: perr.Error()}, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return &Error{Code: CodeRequestCancelled, Message: "request cancelled"}, false
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}, true
}
