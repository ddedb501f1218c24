// Copyright © 2024 The robotdev authors

package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Threading selects where a handler runs.
type Threading int

const (
	// Cooperative handlers run in their own goroutine so the read loop can
	// continue. This is the default.
	Cooperative Threading = iota
	// InlineThreading handlers run on the read loop. Only trivial handlers
	// that never call back into the peer may use it.
	InlineThreading
	// WorkerThreading handlers run on the endpoint's bounded worker pool.
	WorkerThreading
)

func (t Threading) String() string {
	switch t {
	case InlineThreading:
		return "inline"
	case WorkerThreading:
		return "threaded"
	default:
		return "cooperative"
	}
}

// MethodOption configures a registered method.
type MethodOption func(*method)

// Cancelable lets $/cancelRequest cancel the handler's context.
func Cancelable() MethodOption {
	return func(m *method) { m.cancelable = true }
}

// Inline runs the handler on the read loop.
func Inline() MethodOption {
	return func(m *method) { m.threading = InlineThreading }
}

// Threaded runs the handler on the worker pool.
func Threaded() MethodOption {
	return func(m *method) { m.threading = WorkerThreading }
}

type method struct {
	name         string
	notification bool
	cancelable   bool
	threading    Threading
	invoke       func(ctx context.Context, params *json.RawMessage) (any, error)
}

// Registry maps method names to handlers.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*method
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*method)}
}

func (r *Registry) add(m *method, opts []MethodOption) {
	for _, opt := range opts {
		opt(m)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.methods[m.name]; dup {
		panic(fmt.Sprintf("jsonrpc: method %q registered twice", m.name))
	}
	r.methods[m.name] = m
}

func (r *Registry) lookup(name string) (*method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a request handler. The params of each request are bound to
// a fresh P as described by bindParams.
func Register[P, R any](r *Registry, name string, fn func(context.Context, P) (R, error), opts ...MethodOption) {
	r.add(&method{
		name: name,
		invoke: func(ctx context.Context, raw *json.RawMessage) (result any, err error) {
			defer recoverHandler(name, &err)
			var params P
			if err := bindParams(raw, &params); err != nil {
				return nil, &paramsError{method: name, err: err}
			}
			return fn(ctx, params)
		},
	}, opts)
}

// RegisterNotification adds a notification handler. If a peer sends the
// method as a request it is answered with a null result.
func RegisterNotification[P any](r *Registry, name string, fn func(context.Context, P) error, opts ...MethodOption) {
	r.add(&method{
		name:         name,
		notification: true,
		invoke: func(ctx context.Context, raw *json.RawMessage) (result any, err error) {
			defer recoverHandler(name, &err)
			var params P
			if err := bindParams(raw, &params); err != nil {
				return nil, &paramsError{method: name, err: err}
			}
			return nil, fn(ctx, params)
		},
	}, opts)
}

func recoverHandler(name string, err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("handler %s panicked: %v\n%s", name, p, debug.Stack())
	}
}
