// Copyright © 2024 The robotdev authors

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/luthersystems/robotdev/debugger/adapter"
	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/imports/nscache"
	"github.com/luthersystems/robotdev/imports/pool"
	"github.com/luthersystems/robotdev/namespace"
)

// newLoader returns the embedder's loader or a worker pool started with the
// profile's worker command.
func (e *env) newLoader() (imports.Loader, error) {
	if e.cfg.loader != nil {
		return e.cfg.loader, nil
	}
	p := e.profile
	return pool.New(p.WorkerCommand,
		pool.WithLogger(e.log.WithName("pool")),
		pool.WithSize(p.Workers),
		pool.WithEnv(p.Environ(os.Environ())),
		pool.WithTimeouts(pool.Timeouts{
			Load:     p.Timeouts.Load,
			Find:     p.Timeouts.Find,
			Complete: p.Timeouts.Completion,
		}),
		pool.WithStderr(e.stderr),
	)
}

// newManager returns an import manager over a new loader. Closing the
// manager stops the loader's workers.
func (e *env) newManager(watch bool) (*imports.Manager, error) {
	l, err := e.newLoader()
	if err != nil {
		return nil, err
	}
	opts := []imports.Option{imports.WithLogger(e.log.WithName("imports"))}
	if !watch {
		opts = append(opts, imports.WithoutWatch())
	}
	m, err := imports.New(l, opts...)
	if err != nil {
		if c, ok := l.(interface{ Close() error }); ok && e.cfg.loader == nil {
			c.Close() //nolint:errcheck
		}
		return nil, err
	}
	return m, nil
}

// namespaceOptions returns the options namespaces are built with. The
// namespace cache is keyed on the worker's interpreter and framework
// version, so it is only enabled once the workers report them.
func (e *env) namespaceOptions(ctx context.Context, m *imports.Manager) []namespace.Option {
	opts := []namespace.Option{namespace.WithLogger(e.log.WithName("namespace"))}
	dir := e.profile.CacheDir
	if dir == "" {
		return opts
	}
	info, err := m.Info(ctx)
	if err != nil {
		e.log.Error(err, "namespace cache disabled")
		return opts
	}
	cache := nscache.New(dir, nscache.WithLogger(e.log.WithName("nscache")))
	return append(opts, namespace.WithCache(cache, nscache.Env{
		FrameworkVersion: info.FrameworkVersion,
		Interpreter:      info.Interpreter,
		SearchPaths:      info.SearchPaths,
	}))
}

// newRunner returns the embedder's runner or one starting the profile's
// framework command with its output copied to out.
func (e *env) newRunner(out io.Writer) adapter.Runner {
	if e.cfg.runner != nil {
		return e.cfg.runner
	}
	return &adapter.ProcessRunner{
		Command: e.profile.FrameworkCommand,
		Env:     e.profile.Environ(os.Environ()),
		Stdout:  out,
		Stderr:  e.stderr,
		Log:     e.log.WithName("runner"),
	}
}
