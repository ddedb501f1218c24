// Copyright © 2024 The robotdev authors

package pool

import (
	"context"
	"errors"
	"io"

	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/jsonrpc"
)

// Worker methods.
const (
	MethodInfo           = "worker/info"
	MethodFind           = "library/find"
	MethodLoadLibrary    = "library/load"
	MethodLoadVariables  = "variables/load"
	MethodParseDocument  = "document/parse"
	MethodCompleteImport = "import/complete"
)

// CodeNotFound is the error code of an import that cannot be resolved.
const CodeNotFound int64 = -32001

type parseParams struct {
	Source string `json:"source"`
}

// Serve runs a worker: it answers the worker methods on rwc with l until
// the peer disconnects or ctx ends.
func Serve(ctx context.Context, rwc io.ReadWriteCloser, l imports.Loader, log logr.Logger) error {
	reg := jsonrpc.NewRegistry()
	jsonrpc.Register(reg, MethodInfo, func(ctx context.Context, _ any) (imports.WorkerInfo, error) {
		return l.Info(ctx)
	})
	jsonrpc.Register(reg, MethodFind, func(ctx context.Context, p imports.FindParams) (imports.FindResult, error) {
		res, err := l.Find(ctx, p)
		return res, wireError(err)
	}, jsonrpc.Cancelable())
	jsonrpc.Register(reg, MethodLoadLibrary, func(ctx context.Context, p imports.LoadParams) (imports.LibraryDoc, error) {
		doc, err := l.LoadLibrary(ctx, p)
		return doc, wireError(err)
	}, jsonrpc.Cancelable())
	jsonrpc.Register(reg, MethodLoadVariables, func(ctx context.Context, p imports.LoadParams) ([]imports.VariableDef, error) {
		vars, err := l.LoadVariables(ctx, p)
		return vars, wireError(err)
	}, jsonrpc.Cancelable())
	jsonrpc.Register(reg, MethodParseDocument, func(ctx context.Context, p parseParams) (imports.Document, error) {
		doc, err := l.ParseDocument(ctx, p.Source)
		return doc, wireError(err)
	}, jsonrpc.Cancelable())
	jsonrpc.Register(reg, MethodCompleteImport, func(ctx context.Context, p imports.CompleteParams) ([]imports.Completion, error) {
		return l.CompleteImport(ctx, p)
	}, jsonrpc.Cancelable())

	ep := jsonrpc.NewEndpoint(ctx, rwc, reg, jsonrpc.WithLogger(log))
	select {
	case <-ep.Done():
	case <-ctx.Done():
	}
	return ep.Close()
}

func wireError(err error) error {
	if errors.Is(err, imports.ErrNotFound) {
		return jsonrpc.NewError(CodeNotFound, "%v", err)
	}
	return err
}

// fromWire maps a worker's error back to the imports errors.
func fromWire(method string, err error) error {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.Is(err, jsonrpc.ErrTimeout):
		return &callError{method: method, err: imports.ErrLoadTimeout}
	case errors.Is(err, jsonrpc.ErrClosed):
		return &callError{method: method, err: imports.ErrWorkerCrashed}
	case errors.As(err, &rpcErr) && rpcErr.Code == CodeNotFound:
		return &callError{method: method, err: imports.ErrNotFound, msg: rpcErr.Message}
	}
	return err
}

type callError struct {
	method string
	msg    string
	err    error
}

func (e *callError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.method + ": " + e.err.Error()
}

func (e *callError) Unwrap() error { return e.err }
