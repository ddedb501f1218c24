// Copyright © 2024 The robotdev authors

package cmd

import (
	"github.com/luthersystems/robotdev/debugger/adapter"
	"github.com/luthersystems/robotdev/imports"
)

// Option configures the command tree built by NewRootCommand. Embedders use
// options to replace the worker processes with Go implementations.
type Option func(*cmdConfig)

type cmdConfig struct {
	loader imports.Loader
	runner adapter.Runner
	dir    string
}

// WithLoader resolves imports with l instead of a pool of worker processes.
// It also adds the hidden "worker" command, which serves l to a pool over
// stdio.
func WithLoader(l imports.Loader) Option {
	return func(c *cmdConfig) { c.loader = l }
}

// WithRunner starts framework runs with r instead of the configured
// framework command.
func WithRunner(r adapter.Runner) Option {
	return func(c *cmdConfig) { c.runner = r }
}

// WithDir searches dir instead of the working directory for the
// configuration file.
func WithDir(dir string) Option {
	return func(c *cmdConfig) { c.dir = dir }
}
