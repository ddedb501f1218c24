// Copyright © 2024 The robotdev authors

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/transport"
	"github.com/sourcegraph/jsonrpc2"
)

// Stream is a jsonrpc2.ObjectStream over Content-Length framing that
// survives bad input: malformed framing or JSON is answered with a parse
// error and messages with the wrong protocol version with an invalid
// request error, and reading continues with the next message.
type Stream struct {
	conn *transport.Conn
	log  logr.Logger
}

var _ jsonrpc2.ObjectStream = (*Stream)(nil)

// NewStream returns a stream over rwc.
func NewStream(rwc io.ReadWriteCloser, log logr.Logger) *Stream {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Stream{conn: transport.NewConn(rwc), log: log}
}

// WriteObject implements jsonrpc2.ObjectStream.
func (s *Stream) WriteObject(obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return s.conn.Write(data)
}

// envelope holds the fields inspected before a message is handed to
// jsonrpc2.
type envelope struct {
	Version *string          `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Method  *string          `json:"method"`
}

// ReadObject implements jsonrpc2.ObjectStream.
func (s *Stream) ReadObject(v interface{}) error {
	for {
		data, err := s.conn.Read()
		if err != nil {
			if transport.IsFramingError(err) {
				s.log.Info("discarding malformed message", "reason", err.Error())
				s.reject(nil, CodeParseError, err.Error())
				continue
			}
			return err
		}
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			s.reject(nil, CodeInvalidRequest, "batch requests are not supported")
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Info("discarding unparsable message", "error", err.Error())
			s.reject(nil, CodeParseError, "parse error: "+err.Error())
			continue
		}
		if env.Version == nil || *env.Version != "2.0" {
			if env.Method == nil {
				s.log.Info("dropping response with unsupported protocol version")
				continue
			}
			s.reject(env.ID, CodeInvalidRequest, `unsupported protocol version, expected "2.0"`)
			continue
		}
		if err := json.Unmarshal(data, v); err != nil {
			if env.Method != nil {
				s.reject(env.ID, CodeInvalidRequest, "invalid request: "+err.Error())
			} else {
				s.log.Info("dropping invalid response", "error", err.Error())
			}
			continue
		}
		return nil
	}
}

// Close implements jsonrpc2.ObjectStream.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) reject(id *json.RawMessage, code int64, message string) {
	resp := struct {
		Version string           `json:"jsonrpc"`
		ID      *json.RawMessage `json:"id"`
		Error   *Error           `json:"error"`
	}{
		Version: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
	if resp.ID == nil {
		null := json.RawMessage("null")
		resp.ID = &null
	}
	if err := s.WriteObject(resp); err != nil {
		s.log.Error(err, "cannot write error response")
	}
}
