// Copyright © 2024 The robotdev authors

// Package remote connects a framework process to robotdev over JSON-RPC.
// The framework process dials robotdev and reports listener callbacks as
// requests; each request is answered only after the listener returns, so a
// paused debugger holds the framework where it is. While a callback is in
// progress robotdev may send framework/* requests back to run keywords,
// evaluate expressions and read or write variables.
package remote

import (
	"encoding/json"
	"errors"

	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/jsonrpc"
)

// Listener callbacks, sent by the framework process.
const (
	MethodHello        = "bridge/hello"
	MethodStartSuite   = "listener/startSuite"
	MethodEndSuite     = "listener/endSuite"
	MethodStartTest    = "listener/startTest"
	MethodEndTest      = "listener/endTest"
	MethodStartKeyword = "listener/startKeyword"
	MethodEndKeyword   = "listener/endKeyword"
	MethodLogMessage   = "listener/logMessage"
	MethodMessage      = "listener/message"
	MethodClose        = "listener/close"
)

// Framework services, sent by robotdev during a callback.
const (
	MethodRunKeyword       = "framework/runKeyword"
	MethodEvaluate         = "framework/evaluate"
	MethodVariables        = "framework/variables"
	MethodSetVariable      = "framework/setVariable"
	MethodReplaceVariables = "framework/replaceVariables"
)

// CodeFrameworkError is the JSON-RPC error code of a failure raised by the
// framework. The error data is a framework.Error.
const CodeFrameworkError int64 = -32000

// Hello is the first request of a framework connection.
type Hello struct {
	Token            string `json:"token,omitempty"`
	FrameworkVersion string `json:"framework_version,omitempty"`
	Interpreter      string `json:"interpreter,omitempty"`
	PID              int    `json:"pid,omitempty"`
}

// NodeParams are the params of the start and end callbacks.
type NodeParams struct {
	Name       string               `json:"name"`
	Attributes framework.Attributes `json:"attributes"`
}

// EvaluateParams are the params of framework/evaluate.
type EvaluateParams struct {
	Expression string          `json:"expression"`
	Scope      framework.Scope `json:"scope"`
}

// SetVariableParams are the params of framework/setVariable.
type SetVariableParams struct {
	Scope framework.Scope `json:"scope"`
	Name  string          `json:"name"`
	Value string          `json:"value"`
}

// ReplaceVariablesParams are the params of framework/replaceVariables.
type ReplaceVariablesParams struct {
	Text  string          `json:"text"`
	Scope framework.Scope `json:"scope"`
}

// FrameworkError encodes err for the wire. Framework errors keep their kind.
func FrameworkError(err error) *jsonrpc.Error {
	var fe *framework.Error
	if !errors.As(err, &fe) {
		fe = &framework.Error{Message: err.Error()}
	}
	rpcErr := &jsonrpc.Error{Code: CodeFrameworkError, Message: fe.Error()}
	rpcErr.SetError(fe)
	return rpcErr
}

// decodeError turns a framework error response back into a
// *framework.Error. Other errors are returned unchanged.
func decodeError(err error) error {
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeFrameworkError {
		return err
	}
	fe := &framework.Error{Message: rpcErr.Message}
	if rpcErr.Data != nil {
		if jerr := json.Unmarshal(*rpcErr.Data, fe); jerr != nil {
			fe.Message = rpcErr.Message
		}
	}
	return fe
}
