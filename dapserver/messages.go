// Copyright © 2024 The robotdev authors

package dapserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-dap"
)

// RawRequest carries a request whose command go-dap does not know. Its
// arguments are kept undecoded.
type RawRequest struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// RawResponse carries a response to a request go-dap does not know.
type RawResponse struct {
	dap.Response
	Body json.RawMessage `json:"body,omitempty"`
}

// NewResponse returns a successful response header for req. The sequence
// number is assigned when the response is sent.
func NewResponse(req dap.RequestMessage) dap.Response {
	r := req.GetRequest()
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         r.Command,
		RequestSeq:      r.Seq,
		Success:         true,
	}
}

// NewEvent returns an event header.
func NewEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
}

// NewRequest returns a request header for a reverse request.
func NewRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Error is a handler error with the fields of a DAP error message.
// Placeholders in Format are written as {name} and filled from Variables.
type Error struct {
	ID        int
	Format    string
	Variables map[string]string
	ShowUser  bool
	// Short is the machine readable message of the response, such as
	// "cancelled" or "notStopped". It defaults to Format.
	Short string
}

// Errorf returns an *Error shown to the user.
func Errorf(id int, format string, args ...any) *Error {
	return &Error{ID: id, Format: fmt.Sprintf(format, args...), ShowUser: true}
}

func (e *Error) Error() string {
	msg := e.Format
	for k, v := range e.Variables {
		msg = strings.ReplaceAll(msg, "{"+k+"}", v)
	}
	return msg
}

// ErrCancelled is returned by cancelled handlers and reverse requests.
var ErrCancelled = errors.New("cancelled")

// ErrResponded is returned by handlers that already sent their response
// with Send.
var ErrResponded = errors.New("dap: response already sent")

// ErrClosed is returned by SendRequest when the connection closes first.
var ErrClosed = errors.New("dap: connection closed")

// Error ids used by the server itself.
const (
	ErrIDInternal = 1000 + iota
	ErrIDUnknownCommand
	ErrIDParse
	ErrIDCancelled
)

// ErrorResponse builds the error response for req.
func ErrorResponse(req dap.RequestMessage, err error) *dap.ErrorResponse {
	var derr *Error
	if !errors.As(err, &derr) {
		switch {
		case errors.Is(err, ErrCancelled):
			derr = &Error{ID: ErrIDCancelled, Format: "cancelled", Short: "cancelled"}
		default:
			derr = &Error{ID: ErrIDInternal, Format: err.Error()}
		}
	}
	resp := &dap.ErrorResponse{Response: NewResponse(req)}
	resp.Success = false
	resp.Message = derr.Short
	if resp.Message == "" {
		resp.Message = derr.Error()
	}
	resp.Body.Error = &dap.ErrorMessage{
		Id:        derr.ID,
		Format:    derr.Format,
		Variables: derr.Variables,
		ShowUser:  derr.ShowUser,
	}
	return resp
}

// setSeq stamps the sequence number (and message type, if unset) on msg.
func setSeq(msg dap.Message, seq int) {
	var pm *dap.ProtocolMessage
	kind := ""
	switch m := msg.(type) {
	case dap.ResponseMessage:
		pm, kind = &m.GetResponse().ProtocolMessage, "response"
	case dap.EventMessage:
		pm, kind = &m.GetEvent().ProtocolMessage, "event"
	case dap.RequestMessage:
		pm, kind = &m.GetRequest().ProtocolMessage, "request"
	default:
		return
	}
	pm.Seq = seq
	if pm.Type == "" {
		pm.Type = kind
	}
}
