// Copyright © 2024 The robotdev authors

// Package jsonrpc is the JSON-RPC 2.0 dispatcher shared by the language
// server, the framework bridge and the library-loader workers. It builds on
// sourcegraph/jsonrpc2 for request correlation and adds a method registry
// with parameter binding, per-method threading, and $/cancelRequest
// handling for both directions.
package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/sync/semaphore"
)

// Cancellation notification methods. LSP peers use $/cancelRequest; $/cancel
// is accepted as an alias.
const (
	MethodCancelRequest = "$/cancelRequest"
	MethodCancel        = "$/cancel"
)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the endpoint's logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Endpoint) { e.log = log }
}

// WithWorkers bounds the number of concurrently running threaded handlers.
func WithWorkers(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// task is an in-flight incoming request.
type task struct {
	cancel     context.CancelFunc
	cancelable bool
	cancelled  atomic.Bool
}

// Endpoint is one side of a JSON-RPC connection. It serves the methods of
// its registry and issues requests to the peer.
type Endpoint struct {
	conn     *jsonrpc2.Conn
	registry *Registry
	log      logr.Logger
	workers  *semaphore.Weighted
	nextID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	incoming map[jsonrpc2.ID]*task
}

type endpointKey struct{}

// FromContext returns the endpoint serving the current request.
func FromContext(ctx context.Context) (*Endpoint, bool) {
	e, ok := ctx.Value(endpointKey{}).(*Endpoint)
	return e, ok
}

// NewEndpoint starts serving reg over rwc. The endpoint stops when ctx is
// cancelled, Close is called, or the peer disconnects.
func NewEndpoint(ctx context.Context, rwc io.ReadWriteCloser, reg *Registry, opts ...Option) *Endpoint {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Endpoint{
		registry: reg,
		log:      logr.Discard(),
		incoming: make(map[jsonrpc2.ID]*task),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers == nil {
		e.workers = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.conn = jsonrpc2.NewConn(e.ctx, NewStream(rwc, e.log), e, jsonrpc2.SetLogger(printfLogger{e.log}))
	go func() {
		select {
		case <-e.conn.DisconnectNotify():
		case <-e.ctx.Done():
			e.conn.Close() //nolint:errcheck
		}
		e.cancel()
		e.mu.Lock()
		for _, t := range e.incoming {
			t.cancel()
		}
		e.mu.Unlock()
	}()
	return e
}

// Handle implements jsonrpc2.Handler. It runs on the connection's read
// loop.
func (e *Endpoint) Handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Method == MethodCancelRequest || req.Method == MethodCancel {
		e.handleCancel(req)
		if !req.Notif {
			e.reply(req.ID, nil, nil)
		}
		return
	}
	m, ok := e.registry.lookup(req.Method)
	if !ok {
		if req.Notif {
			e.log.V(1).Info("ignoring unknown notification", "method", req.Method)
			return
		}
		e.reply(req.ID, nil, NewError(CodeMethodNotFound, "method not found: %s", req.Method))
		return
	}

	ctx, cancel := context.WithCancel(context.WithValue(e.ctx, endpointKey{}, e))
	t := &task{cancel: cancel, cancelable: m.cancelable}
	if !req.Notif {
		e.mu.Lock()
		e.incoming[req.ID] = t
		e.mu.Unlock()
	}
	switch m.threading {
	case InlineThreading:
		e.run(ctx, t, m, req)
	case WorkerThreading:
		go func() {
			if err := e.workers.Acquire(ctx, 1); err != nil {
				e.finish(t, req, nil, err)
				return
			}
			defer e.workers.Release(1)
			e.run(ctx, t, m, req)
		}()
	default:
		go e.run(ctx, t, m, req)
	}
}

func (e *Endpoint) run(ctx context.Context, t *task, m *method, req *jsonrpc2.Request) {
	result, err := m.invoke(ctx, req.Params)
	e.finish(t, req, result, err)
}

// finish emits the single response of an incoming request.
func (e *Endpoint) finish(t *task, req *jsonrpc2.Request, result any, err error) {
	defer t.cancel()
	if req.Notif {
		if err != nil {
			e.log.Error(err, "notification handler failed", "method", req.Method)
		}
		return
	}
	e.mu.Lock()
	delete(e.incoming, req.ID)
	e.mu.Unlock()
	if t.cancelled.Load() {
		err = ErrCancelled
	}
	if err != nil {
		wire, unexpected := toWireError(err)
		if unexpected {
			e.log.Error(err, "request handler failed", "method", req.Method)
		}
		e.reply(req.ID, nil, wire)
		return
	}
	e.reply(req.ID, result, nil)
}

func (e *Endpoint) reply(id jsonrpc2.ID, result any, rpcErr *Error) {
	var err error
	if rpcErr != nil {
		err = e.conn.ReplyWithError(e.ctx, id, rpcErr)
	} else {
		err = e.conn.Reply(e.ctx, id, result)
	}
	if err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		e.log.Error(err, "cannot send response", "id", id.String())
	}
}

type cancelParams struct {
	ID jsonrpc2.ID `json:"id"`
}

func (e *Endpoint) handleCancel(req *jsonrpc2.Request) {
	if req.Params == nil {
		return
	}
	var p cancelParams
	if err := json.Unmarshal(*req.Params, &p); err != nil {
		e.log.V(1).Info("ignoring malformed cancel notification", "error", err.Error())
		return
	}
	e.mu.Lock()
	t, ok := e.incoming[p.ID]
	e.mu.Unlock()
	if !ok || !t.cancelable {
		return
	}
	t.cancelled.Store(true)
	t.cancel()
}

// Call sends a request and decodes its result into result, which may be
// nil. If ctx ends first the peer is sent a cancel notification and Call
// returns ErrCancelled or ErrTimeout. Remote errors are returned as *Error.
func (e *Endpoint) Call(ctx context.Context, method string, params, result any) error {
	id := jsonrpc2.ID{Num: e.nextID.Add(1)}
	err := e.conn.Call(ctx, method, params, result, jsonrpc2.PickID(id))
	if err == nil {
		return nil
	}
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return fmt.Errorf("%s: %w", method, ErrClosed)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if nerr := e.conn.Notify(e.ctx, MethodCancelRequest, cancelParams{ID: id}); nerr != nil {
			e.log.V(1).Info("cannot send cancel notification", "error", nerr.Error())
		}
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return fmt.Errorf("%s: %w", method, ErrCancelled)
	}
	return err
}

// Go sends a request and returns a future for its raw result. Cancelling
// the future cancels the request.
func (e *Endpoint) Go(ctx context.Context, method string, params any) *Future[json.RawMessage] {
	f := NewFuture[json.RawMessage]()
	cctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	go func() {
		defer cancel()
		var raw json.RawMessage
		if err := e.Call(cctx, method, params, &raw); err != nil {
			f.SetError(err)
			return
		}
		f.SetResult(raw)
	}()
	return f
}

// Notify sends a notification.
func (e *Endpoint) Notify(ctx context.Context, method string, params any) error {
	if err := e.conn.Notify(ctx, method, params); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Done is closed when the connection is gone.
func (e *Endpoint) Done() <-chan struct{} {
	return e.conn.DisconnectNotify()
}

// Wait blocks until the connection is gone.
func (e *Endpoint) Wait() {
	<-e.conn.DisconnectNotify()
}

// Close closes the connection. In-flight outgoing requests fail with
// ErrClosed and running handlers see their contexts cancelled.
func (e *Endpoint) Close() error {
	e.cancel()
	err := e.conn.Close()
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return nil
	}
	return err
}

// printfLogger routes jsonrpc2's internal messages to logr.
type printfLogger struct {
	log logr.Logger
}

func (l printfLogger) Printf(format string, v ...interface{}) {
	l.log.V(1).Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
