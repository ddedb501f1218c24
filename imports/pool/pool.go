// Copyright © 2024 The robotdev authors

// Package pool runs import loaders in worker processes. Each worker speaks
// JSON-RPC on its stdin and stdout; a worker that hangs or crashes is
// killed and replaced without affecting the caller's process.
package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/jsonrpc"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Timeouts bound the calls made to workers.
type Timeouts struct {
	Load     time.Duration
	Find     time.Duration
	Complete time.Duration
}

// DefaultTimeouts returns the default call timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Load:     30 * time.Second,
		Find:     10 * time.Second,
		Complete: 10 * time.Second,
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(log logr.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithSize sets the maximum number of concurrent workers.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithEnv sets the environment of worker processes.
func WithEnv(env []string) Option {
	return func(p *Pool) { p.env = env }
}

// WithDir sets the working directory of worker processes.
func WithDir(dir string) Option {
	return func(p *Pool) { p.dir = dir }
}

// WithTimeouts sets the call timeouts. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(p *Pool) {
		if t.Load > 0 {
			p.timeouts.Load = t.Load
		}
		if t.Find > 0 {
			p.timeouts.Find = t.Find
		}
		if t.Complete > 0 {
			p.timeouts.Complete = t.Complete
		}
	}
}

// WithStderr copies worker stderr to w instead of the log.
func WithStderr(w io.Writer) Option {
	return func(p *Pool) { p.stderr = w }
}

// Pool is an imports.Loader backed by worker processes.
type Pool struct {
	command  []string
	log      logr.Logger
	size     int
	env      []string
	dir      string
	stderr   io.Writer
	timeouts Timeouts

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	mu      sync.Mutex
	idle    []*worker
	workers map[*worker]struct{}
	info    *imports.WorkerInfo
	closed  bool
}

var _ imports.Loader = (*Pool)(nil)

// New returns a pool that starts workers with command. No worker is started
// until the first call.
func New(command []string, opts ...Option) (*Pool, error) {
	if len(command) == 0 {
		return nil, errors.New("pool: empty worker command")
	}
	p := &Pool{
		command:  command,
		log:      logr.Discard(),
		size:     2,
		timeouts: DefaultTimeouts(),
		workers:  make(map[*worker]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.size))
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

type worker struct {
	cmd  *exec.Cmd
	ep   *jsonrpc.Endpoint
	done chan struct{}
	err  error
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.ep.Close()
}

type pipes struct {
	io.ReadCloser
	io.WriteCloser
}

func (p pipes) Close() error {
	return multierr.Append(p.WriteCloser.Close(), p.ReadCloser.Close())
}

func (p *Pool) spawn() (*worker, error) {
	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Env = p.env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Dir = p.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr io.ReadCloser
	if p.stderr != nil {
		cmd.Stderr = p.stderr
	} else {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			stdin.Close()
			stdout.Close()
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		if stderr != nil {
			stderr.Close()
		}
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	log := p.log.WithValues("pid", cmd.Process.Pid)
	if stderr != nil {
		go logStderr(stderr, log)
	}
	w := &worker{
		cmd:  cmd,
		ep:   jsonrpc.NewEndpoint(p.ctx, pipes{stdout, stdin}, jsonrpc.NewRegistry(), jsonrpc.WithLogger(log)),
		done: make(chan struct{}),
	}
	go func() {
		// stdout reaches EOF when the process exits or the endpoint
		// closes; only then is it safe to reap the process.
		<-w.ep.Done()
		w.err = cmd.Wait()
		if w.err != nil {
			log.V(1).Info("worker exited", "error", w.err.Error())
		} else {
			log.V(1).Info("worker exited")
		}
		close(w.done)
	}()
	log.Info("started import worker", "command", p.command[0])
	return w, nil
}

func logStderr(r io.Reader, log logr.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Info("worker stderr", "output", sc.Text())
	}
}

// acquire reserves a worker, reusing an idle one when possible.
func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, imports.ErrClosed
	}
	for len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if w.alive() {
			p.mu.Unlock()
			return w, nil
		}
		delete(p.workers, w)
	}
	p.mu.Unlock()

	w, err := p.spawn()
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.mu.Lock()
	p.workers[w] = struct{}{}
	p.mu.Unlock()
	return w, nil
}

// release returns w to the idle list, or kills it when it is no longer
// trustworthy.
func (p *Pool) release(w *worker, healthy bool) {
	defer p.sem.Release(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if healthy && !p.closed && w.alive() {
		p.idle = append(p.idle, w)
		return
	}
	delete(p.workers, w)
	w.kill()
}

// call runs method on a worker. A worker that times out or is cancelled
// mid-call is killed since its loader may still be running.
func call[R any](ctx context.Context, p *Pool, method string, params any, timeout time.Duration) (R, error) {
	var res R
	w, err := p.acquire(ctx)
	if err != nil {
		return res, err
	}
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err = w.ep.Call(cctx, method, params, &res)
	healthy := err == nil
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		healthy = true
	}
	p.release(w, healthy)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrTimeout) {
			p.log.Info("worker call timed out", "method", method, "timeout", timeout.String())
		}
		return res, fromWire(method, err)
	}
	return res, nil
}

// Info returns the workers' environment. It is fetched once.
func (p *Pool) Info(ctx context.Context) (imports.WorkerInfo, error) {
	p.mu.Lock()
	if p.info != nil {
		info := *p.info
		p.mu.Unlock()
		return info, nil
	}
	p.mu.Unlock()
	info, err := call[imports.WorkerInfo](ctx, p, MethodInfo, nil, p.timeouts.Find)
	if err != nil {
		return info, err
	}
	p.mu.Lock()
	p.info = &info
	p.mu.Unlock()
	return info, nil
}

// Find resolves an import name.
func (p *Pool) Find(ctx context.Context, params imports.FindParams) (imports.FindResult, error) {
	return call[imports.FindResult](ctx, p, MethodFind, params, p.timeouts.Find)
}

// LoadLibrary loads a library or resource's keyword table.
func (p *Pool) LoadLibrary(ctx context.Context, params imports.LoadParams) (imports.LibraryDoc, error) {
	return call[imports.LibraryDoc](ctx, p, MethodLoadLibrary, params, p.timeouts.Load)
}

// LoadVariables loads a variables file.
func (p *Pool) LoadVariables(ctx context.Context, params imports.LoadParams) ([]imports.VariableDef, error) {
	return call[[]imports.VariableDef](ctx, p, MethodLoadVariables, params, p.timeouts.Load)
}

// ParseDocument parses a suite or resource file.
func (p *Pool) ParseDocument(ctx context.Context, source string) (imports.Document, error) {
	return call[imports.Document](ctx, p, MethodParseDocument, parseParams{Source: source}, p.timeouts.Load)
}

// CompleteImport lists import name candidates.
func (p *Pool) CompleteImport(ctx context.Context, params imports.CompleteParams) ([]imports.Completion, error) {
	return call[[]imports.Completion](ctx, p, MethodCompleteImport, params, p.timeouts.Complete)
}

// Close kills every worker and waits for them to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*worker, 0, len(p.workers))
	for w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = nil
	p.idle = nil
	p.mu.Unlock()

	p.cancel()
	var err error
	for _, w := range workers {
		err = multierr.Append(err, w.ep.Close())
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
			w.kill()
			<-w.done
		}
	}
	return err
}
