// Copyright © 2024 The robotdev authors

// Package dapserver serves the Debug Adapter Protocol over a framed
// transport. Handlers are registered per command; responses, events and
// reverse requests are written by a single writer that assigns sequence
// numbers in send order.
package dapserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/luthersystems/robotdev/transport"
	"github.com/smallnest/chanx"
)

// HandlerFunc handles one request. A nil response with a nil error sends a
// bare success response.
type HandlerFunc func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error)

// HandlerOption configures a registered handler.
type HandlerOption func(*handler)

// Async runs the handler on its own goroutine so the read loop can accept
// further requests while it runs.
func Async() HandlerOption {
	return func(h *handler) { h.async = true }
}

// Cancelable lets the client cancel the handler with a cancel request. It
// implies Async.
func Cancelable() HandlerOption {
	return func(h *handler) {
		h.async = true
		h.cancelable = true
	}
}

type handler struct {
	fn         HandlerFunc
	async      bool
	cancelable bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

type inflight struct {
	cancel     context.CancelFunc
	cancelable bool
	cancelled  bool
}

// Server is one DAP connection. Register handlers before calling Serve.
type Server struct {
	log      logr.Logger
	handlers map[string]*handler
	unknown  HandlerFunc

	conn  *transport.Conn
	queue *chanx.UnboundedChan[dap.Message]

	mu       sync.Mutex
	seq      int
	closed   bool
	pending  map[int]chan dap.ResponseMessage
	inflight map[int]*inflight

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New returns a server with no handlers except cancel.
func New(opts ...Option) *Server {
	s := &Server{
		log:      logr.Discard(),
		handlers: make(map[string]*handler),
		pending:  make(map[int]chan dap.ResponseMessage),
		inflight: make(map[int]*inflight),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Handle("cancel", s.onCancel)
	return s
}

// Handle registers fn for command. Registering a command twice panics.
func (s *Server) Handle(command string, fn HandlerFunc, opts ...HandlerOption) {
	if _, ok := s.handlers[command]; ok && command != "cancel" {
		panic(fmt.Sprintf("dapserver: duplicate handler for %q", command))
	}
	h := &handler{fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	s.handlers[command] = h
}

// On registers a handler that receives the decoded request type. Requests
// of another type for the same command get an error response.
func On[R dap.RequestMessage](s *Server, command string, fn func(ctx context.Context, req R) (dap.ResponseMessage, error), opts ...HandlerOption) {
	s.Handle(command, func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		r, ok := req.(R)
		if !ok {
			return nil, Errorf(ErrIDParse, "malformed %s request", command)
		}
		return fn(ctx, r)
	}, opts...)
}

// HandleUnknown sets the handler for commands with no registered handler.
// Without one such requests get an error response.
func (s *Server) HandleUnknown(fn HandlerFunc) {
	s.unknown = fn
}

// Done is closed when Serve returns.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop ends Serve once every queued message has been written.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve reads requests from rwc until the peer disconnects, ctx ends, or
// Stop is called. It closes rwc before returning.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.conn = transport.NewConn(rwc)
	s.queue = chanx.NewUnboundedChan[dap.Message](context.Background(), 16)
	s.mu.Unlock()

	written := make(chan struct{})
	go s.writeLoop(written)

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx) }()

	var err error
	select {
	case err = <-readErr:
	case <-s.stop:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.closed = true
	close(s.queue.In)
	for id, t := range s.inflight {
		t.cancel()
		delete(s.inflight, id)
	}
	for seq, ch := range s.pending {
		close(ch)
		delete(s.pending, seq)
	}
	s.mu.Unlock()

	<-written
	if cerr := s.conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, io.ErrClosedPipe) {
		s.log.V(1).Info("close failed", "error", cerr.Error())
	}
	return err
}

func (s *Server) writeLoop(done chan<- struct{}) {
	defer close(done)
	broken := false
	for msg := range s.queue.Out {
		if broken {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.log.Error(err, "cannot encode message", "type", fmt.Sprintf("%T", msg))
			continue
		}
		if err := s.conn.Write(data); err != nil {
			s.log.V(1).Info("write failed", "error", err.Error())
			broken = true
		}
	}
}

func (s *Server) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.Read()
		if err != nil {
			if transport.IsFramingError(err) {
				s.log.Info("dropping malformed frame", "error", err.Error())
				s.sendParseError(err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		msg, err := decode(data)
		if err != nil {
			s.log.Info("dropping undecodable message", "error", err.Error())
			s.sendParseError(err)
			continue
		}
		switch m := msg.(type) {
		case dap.RequestMessage:
			s.dispatch(ctx, m)
		case dap.ResponseMessage:
			s.deliver(m)
		default:
			s.log.V(1).Info("ignoring message from client", "type", fmt.Sprintf("%T", msg))
		}
	}
}

type envelope struct {
	Seq        int    `json:"seq"`
	Type       string `json:"type"`
	Command    string `json:"command"`
	RequestSeq int    `json:"request_seq"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

// decode decodes a DAP message, falling back to RawRequest and RawResponse
// for commands go-dap does not know.
func decode(data []byte) (dap.Message, error) {
	msg, err := dap.DecodeProtocolMessage(data)
	if err == nil {
		return msg, nil
	}
	var env envelope
	if jerr := json.Unmarshal(data, &env); jerr != nil {
		return nil, jerr
	}
	switch env.Type {
	case "request":
		var raw RawRequest
		if jerr := json.Unmarshal(data, &raw); jerr != nil || env.Command == "" {
			return nil, err
		}
		return &raw, nil
	case "response":
		var raw RawResponse
		if jerr := json.Unmarshal(data, &raw); jerr != nil {
			return nil, err
		}
		return &raw, nil
	}
	return nil, err
}

func (s *Server) dispatch(ctx context.Context, req dap.RequestMessage) {
	r := req.GetRequest()
	h, ok := s.handlers[r.Command]
	if !ok {
		if s.unknown == nil {
			s.Send(ErrorResponse(req, &Error{
				ID:     ErrIDUnknownCommand,
				Format: "unrecognized request {command}",
				Variables: map[string]string{
					"command": r.Command,
				},
			}))
			return
		}
		h = &handler{fn: s.unknown, async: true}
	}
	hctx, cancel := context.WithCancel(ctx)
	t := &inflight{cancel: cancel, cancelable: h.cancelable}
	s.mu.Lock()
	s.inflight[r.Seq] = t
	s.mu.Unlock()
	if h.async {
		go s.run(hctx, t, h, req)
		return
	}
	s.run(hctx, t, h, req)
}

func (s *Server) run(ctx context.Context, t *inflight, h *handler, req dap.RequestMessage) {
	r := req.GetRequest()
	resp, err := s.invoke(ctx, h, req)
	s.mu.Lock()
	delete(s.inflight, r.Seq)
	cancelled := t.cancelled
	s.mu.Unlock()
	t.cancel()
	if errors.Is(err, ErrResponded) {
		return
	}
	if cancelled {
		err = ErrCancelled
	}
	if err != nil {
		var derr *Error
		if !errors.As(err, &derr) && !errors.Is(err, ErrCancelled) {
			s.log.Error(err, "request failed", "command", r.Command)
		}
		s.Send(ErrorResponse(req, err))
		return
	}
	if resp == nil {
		base := NewResponse(req)
		resp = &base
	}
	hdr := resp.GetResponse()
	if hdr.Command == "" {
		hdr.Command = r.Command
	}
	if hdr.RequestSeq == 0 {
		hdr.RequestSeq = r.Seq
	}
	s.Send(resp)
}

func (s *Server) invoke(ctx context.Context, h *handler, req dap.RequestMessage) (resp dap.ResponseMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.fn(ctx, req)
}

func (s *Server) onCancel(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	cr, ok := req.(*dap.CancelRequest)
	if !ok || cr.Arguments == nil {
		return nil, nil
	}
	s.mu.Lock()
	t, ok := s.inflight[cr.Arguments.RequestId]
	if ok && t.cancelable {
		t.cancelled = true
	}
	s.mu.Unlock()
	if ok && t.cancelable {
		t.cancel()
	}
	return &dap.CancelResponse{Response: NewResponse(req)}, nil
}

func (s *Server) sendParseError(err error) {
	resp := &dap.ErrorResponse{Response: dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Message:         "parse error",
	}}
	resp.Body.Error = &dap.ErrorMessage{Id: ErrIDParse, Format: err.Error()}
	s.Send(resp)
}

// Send queues msg, assigning its sequence number. Messages sent after the
// connection closes are dropped.
func (s *Server) Send(msg dap.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(msg)
}

func (s *Server) enqueueLocked(msg dap.Message) int {
	if s.closed || s.queue == nil {
		return 0
	}
	s.seq++
	setSeq(msg, s.seq)
	s.queue.In <- msg
	return s.seq
}

// SendEvent queues an event.
func (s *Server) SendEvent(evt dap.EventMessage) {
	s.Send(evt)
}

// SendRequest sends a reverse request and waits for the client's response.
// Error responses are returned as *Error.
func (s *Server) SendRequest(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	ch := make(chan dap.ResponseMessage, 1)
	s.mu.Lock()
	seq := s.enqueueLocked(req)
	if seq == 0 {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[seq] = ch
	s.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if hdr := resp.GetResponse(); !hdr.Success {
			derr := &Error{Format: hdr.Message, Short: hdr.Message}
			if er, ok := resp.(*dap.ErrorResponse); ok && er.Body.Error != nil {
				derr.ID = er.Body.Error.Id
				derr.Format = er.Body.Error.Format
				derr.Variables = er.Body.Error.Variables
			}
			return resp, derr
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Server) deliver(resp dap.ResponseMessage) {
	hdr := resp.GetResponse()
	s.mu.Lock()
	ch, ok := s.pending[hdr.RequestSeq]
	delete(s.pending, hdr.RequestSeq)
	s.mu.Unlock()
	if !ok {
		s.log.V(1).Info("dropping unexpected response", "request_seq", hdr.RequestSeq, "command", hdr.Command)
		return
	}
	ch <- resp
}
