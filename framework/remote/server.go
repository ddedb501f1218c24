// Copyright © 2024 The robotdev authors

package remote

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/jsonrpc"
)

// ErrNotConnected is returned by the framework services before a
// framework process has connected.
var ErrNotConnected = errors.New("remote: framework not connected")

// ErrBadToken is returned to a framework process presenting the wrong
// token.
var ErrBadToken = errors.New("remote: bad bridge token")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithToken requires the framework process to present token in its hello
// request before any callback is accepted.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// Server is the robotdev side of the bridge. It forwards callbacks to a
// listener and implements framework.Context by calling back into the
// connected framework process.
type Server struct {
	listener framework.Listener
	log      logr.Logger
	token    string

	ready     chan struct{}
	readyOnce sync.Once
	accepted  atomic.Bool
	closed    atomic.Bool

	mu    sync.Mutex
	ep    *jsonrpc.Endpoint
	hello Hello
}

var _ framework.Context = (*Server)(nil)

// NewServer returns a bridge server forwarding callbacks to l.
func NewServer(l framework.Listener, opts ...Option) *Server {
	s := &Server{
		listener: l,
		log:      logr.Discard(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.token == "" {
		s.accepted.Store(true)
	}
	return s
}

// Serve handles one framework connection and returns when it ends. If the
// framework disconnects without a close callback the listener is closed
// anyway.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	reg := jsonrpc.NewRegistry()
	jsonrpc.Register(reg, MethodHello, s.onHello)
	s.registerNode(reg, MethodStartSuite, s.listener.StartSuite)
	s.registerNode(reg, MethodEndSuite, s.listener.EndSuite)
	s.registerNode(reg, MethodStartTest, s.listener.StartTest)
	s.registerNode(reg, MethodEndTest, s.listener.EndTest)
	s.registerNode(reg, MethodStartKeyword, s.listener.StartKeyword)
	s.registerNode(reg, MethodEndKeyword, s.listener.EndKeyword)
	s.registerLog(reg, MethodLogMessage, s.listener.LogMessage)
	s.registerLog(reg, MethodMessage, s.listener.Message)
	jsonrpc.Register(reg, MethodClose, func(ctx context.Context, _ any) (any, error) {
		if err := s.admit(ctx); err != nil {
			return nil, err
		}
		s.close()
		return nil, nil
	})

	ep := jsonrpc.NewEndpoint(ctx, rwc, reg, jsonrpc.WithLogger(s.log.WithName("bridge")))
	s.mu.Lock()
	s.ep = ep
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ep.Done():
	case <-ctx.Done():
	}
	err := ep.Close()
	s.close()
	return err
}

func (s *Server) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.listener.Close()
	}
}

// admit waits for the endpoint to be installed and checks the handshake.
func (s *Server) admit(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !s.accepted.Load() {
		return jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "%v", ErrBadToken)
	}
	return nil
}

func (s *Server) onHello(_ context.Context, h Hello) (any, error) {
	if s.token != "" && h.Token != s.token {
		s.log.Info("rejecting framework connection", "reason", "bad token", "pid", h.PID)
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "%v", ErrBadToken)
	}
	s.mu.Lock()
	s.hello = h
	s.mu.Unlock()
	s.accepted.Store(true)
	s.log.V(1).Info("framework connected", "version", h.FrameworkVersion, "pid", h.PID)
	return nil, nil
}

func (s *Server) registerNode(reg *jsonrpc.Registry, method string, fn func(string, framework.Attributes)) {
	jsonrpc.Register(reg, method, func(ctx context.Context, p NodeParams) (any, error) {
		if err := s.admit(ctx); err != nil {
			return nil, err
		}
		fn(p.Name, p.Attributes)
		return nil, nil
	})
}

func (s *Server) registerLog(reg *jsonrpc.Registry, method string, fn func(framework.LogMessage)) {
	jsonrpc.Register(reg, method, func(ctx context.Context, msg framework.LogMessage) (any, error) {
		if err := s.admit(ctx); err != nil {
			return nil, err
		}
		fn(msg)
		return nil, nil
	})
}

// Hello returns the handshake of the connected framework process.
func (s *Server) Hello() Hello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hello
}

func (s *Server) call(ctx context.Context, method string, params, result any) error {
	s.mu.Lock()
	ep := s.ep
	s.mu.Unlock()
	if ep == nil {
		return ErrNotConnected
	}
	return decodeError(ep.Call(ctx, method, params, result))
}

// RunKeyword implements framework.Context.
func (s *Server) RunKeyword(ctx context.Context, call framework.KeywordCall) (framework.Value, error) {
	var v framework.Value
	err := s.call(ctx, MethodRunKeyword, call, &v)
	return v, err
}

// Evaluate implements framework.Context.
func (s *Server) Evaluate(ctx context.Context, expr string, scope framework.Scope) (framework.Value, error) {
	var v framework.Value
	err := s.call(ctx, MethodEvaluate, EvaluateParams{Expression: expr, Scope: scope}, &v)
	return v, err
}

// Variables implements framework.Context.
func (s *Server) Variables(ctx context.Context, scope framework.Scope) ([]framework.Variable, error) {
	var vars []framework.Variable
	err := s.call(ctx, MethodVariables, scope, &vars)
	return vars, err
}

// SetVariable implements framework.Context.
func (s *Server) SetVariable(ctx context.Context, scope framework.Scope, name, value string) (framework.Value, error) {
	var v framework.Value
	err := s.call(ctx, MethodSetVariable, SetVariableParams{Scope: scope, Name: name, Value: value}, &v)
	return v, err
}

// ReplaceVariables implements framework.Context.
func (s *Server) ReplaceVariables(ctx context.Context, text string, scope framework.Scope) (string, error) {
	var out string
	err := s.call(ctx, MethodReplaceVariables, ReplaceVariablesParams{Text: text, Scope: scope}, &out)
	return out, err
}
