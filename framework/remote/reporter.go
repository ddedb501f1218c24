// Copyright © 2024 The robotdev authors

package remote

import (
	"context"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/jsonrpc"
)

// Reporter is the framework side of the bridge. It implements
// framework.Listener by forwarding each callback to robotdev and blocking
// until robotdev answers, and serves framework/* requests from fw.
type Reporter struct {
	ep  *jsonrpc.Endpoint
	ctx context.Context
	log logr.Logger

	mu  sync.Mutex
	err error
}

var _ framework.Listener = (*Reporter)(nil)

// Connect starts a reporter over rwc and performs the hello handshake.
func Connect(ctx context.Context, rwc io.ReadWriteCloser, fw framework.Context, hello Hello, log logr.Logger) (*Reporter, error) {
	reg := jsonrpc.NewRegistry()
	jsonrpc.Register(reg, MethodRunKeyword, func(ctx context.Context, call framework.KeywordCall) (framework.Value, error) {
		v, err := fw.RunKeyword(ctx, call)
		if err != nil {
			return v, FrameworkError(err)
		}
		return v, nil
	})
	jsonrpc.Register(reg, MethodEvaluate, func(ctx context.Context, p EvaluateParams) (framework.Value, error) {
		v, err := fw.Evaluate(ctx, p.Expression, p.Scope)
		if err != nil {
			return v, FrameworkError(err)
		}
		return v, nil
	})
	jsonrpc.Register(reg, MethodVariables, func(ctx context.Context, scope framework.Scope) ([]framework.Variable, error) {
		vars, err := fw.Variables(ctx, scope)
		if err != nil {
			return nil, FrameworkError(err)
		}
		return vars, nil
	})
	jsonrpc.Register(reg, MethodSetVariable, func(ctx context.Context, p SetVariableParams) (framework.Value, error) {
		v, err := fw.SetVariable(ctx, p.Scope, p.Name, p.Value)
		if err != nil {
			return v, FrameworkError(err)
		}
		return v, nil
	})
	jsonrpc.Register(reg, MethodReplaceVariables, func(ctx context.Context, p ReplaceVariablesParams) (string, error) {
		out, err := fw.ReplaceVariables(ctx, p.Text, p.Scope)
		if err != nil {
			return "", FrameworkError(err)
		}
		return out, nil
	})

	r := &Reporter{
		ep:  jsonrpc.NewEndpoint(ctx, rwc, reg, jsonrpc.WithLogger(log.WithName("reporter"))),
		ctx: ctx,
		log: log,
	}
	if err := r.ep.Call(ctx, MethodHello, hello, nil); err != nil {
		r.ep.Close() //nolint:errcheck
		return nil, err
	}
	return r, nil
}

// Err returns the first error met while reporting.
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reporter) send(method string, params any) {
	if err := r.ep.Call(r.ctx, method, params, nil); err != nil {
		r.log.Error(err, "callback failed", "method", method)
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
}

func (r *Reporter) StartSuite(name string, attrs framework.Attributes) {
	r.send(MethodStartSuite, NodeParams{Name: name, Attributes: attrs})
}

func (r *Reporter) EndSuite(name string, attrs framework.Attributes) {
	r.send(MethodEndSuite, NodeParams{Name: name, Attributes: attrs})
}

func (r *Reporter) StartTest(name string, attrs framework.Attributes) {
	r.send(MethodStartTest, NodeParams{Name: name, Attributes: attrs})
}

func (r *Reporter) EndTest(name string, attrs framework.Attributes) {
	r.send(MethodEndTest, NodeParams{Name: name, Attributes: attrs})
}

func (r *Reporter) StartKeyword(name string, attrs framework.Attributes) {
	r.send(MethodStartKeyword, NodeParams{Name: name, Attributes: attrs})
}

func (r *Reporter) EndKeyword(name string, attrs framework.Attributes) {
	r.send(MethodEndKeyword, NodeParams{Name: name, Attributes: attrs})
}

func (r *Reporter) LogMessage(msg framework.LogMessage) {
	r.send(MethodLogMessage, msg)
}

func (r *Reporter) Message(msg framework.LogMessage) {
	r.send(MethodMessage, msg)
}

// Close reports the end of the run and closes the connection.
func (r *Reporter) Close() {
	r.send(MethodClose, nil)
	if err := r.ep.Close(); err != nil {
		r.log.V(1).Info("close failed", "error", err.Error())
	}
}
