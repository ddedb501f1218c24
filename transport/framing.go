// Copyright © 2024 The robotdev authors

// Package transport implements the HTTP-style message framing shared by the
// JSON-RPC and DAP endpoints and the byte-stream transports they run over:
// stdio, TCP (server and client) and named pipes.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// DefaultContentType is assumed when a message carries no Content-Type
// header.
const DefaultContentType = "application/vscode-jsonrpc; charset=utf-8"

const contentLengthHeader = "content-length:"

// FramingError reports a malformed header block. The offending header block
// has been consumed when it is returned so the reader can report the problem
// and continue with the next message.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "malformed message framing: " + e.Reason
}

// IsFramingError reports whether err is a recoverable framing error.
func IsFramingError(err error) bool {
	var ferr *FramingError
	return errors.As(err, &ferr)
}

// ReadMessage reads one framed message from r and returns its payload.
//
// io.EOF is returned only when the stream ends cleanly between messages. A
// stream ending inside a message yields io.ErrUnexpectedEOF.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	var (
		length    = -1
		problem   string
		sawHeader bool
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !sawHeader && strings.TrimSpace(line) == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				continue
			}
			break
		}
		// Remnants of a broken message may precede the next header on the
		// same line.
		if i := strings.Index(strings.ToLower(line), contentLengthHeader); i > 0 {
			line = line[i:]
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			if problem == "" {
				problem = fmt.Sprintf("invalid header line %q", truncate(line, 40))
			}
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				problem = fmt.Sprintf("invalid Content-Length %q", value)
				continue
			}
			length = n
		case "content-type":
			if err := checkContentType(value); err != nil && problem == "" {
				problem = err.Error()
			}
		}
	}
	if problem == "" && length < 0 {
		problem = "missing Content-Length header"
	}
	if problem != "" {
		if length > 0 {
			// Keep the stream aligned on the next message.
			if _, err := r.Discard(length); err != nil {
				return nil, io.ErrUnexpectedEOF
			}
		}
		return nil, &FramingError{Reason: problem}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

func checkContentType(value string) error {
	for _, param := range strings.Split(value, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "charset") {
			continue
		}
		switch strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`)) {
		case "utf-8", "utf8":
		default:
			return fmt.Errorf("unsupported charset %q", v)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// WriteMessage writes payload to w with a Content-Length header in a single
// Write call.
func WriteMessage(w io.Writer, payload []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// Conn reads and writes framed messages over a byte stream. Reads must come
// from a single goroutine; writes may come from any goroutine and are
// serialised.
type Conn struct {
	r *bufio.Reader

	mu sync.Mutex
	w  io.Writer

	closeOnce sync.Once
	closer    io.Closer
	closeErr  error
}

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		r:      bufio.NewReader(rwc),
		w:      rwc,
		closer: rwc,
	}
}

// Read returns the next message payload.
func (c *Conn) Read() ([]byte, error) {
	return ReadMessage(c.r)
}

// Write sends one message.
func (c *Conn) Write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteMessage(c.w, payload)
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closer.Close()
	})
	return c.closeErr
}
