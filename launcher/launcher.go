// Copyright © 2024 The robotdev authors

// Package launcher implements the debug adapter a client talks to when it
// starts a run. The launcher never runs tests itself: on launch it starts
// a debuggee process, connects to it and proxies the rest of the session.
package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/luthersystems/robotdev/dapserver"
	"github.com/luthersystems/robotdev/debugger/adapter"
	"github.com/luthersystems/robotdev/transport"
	"golang.org/x/sync/errgroup"
)

const (
	// ExitConnectFailed is returned when the debuggee never accepted the
	// connection.
	ExitConnectFailed = 255

	DefaultConnectTimeout = 15 * time.Second

	// ErrIDLaunch is the DAP error id of launcher failures.
	ErrIDLaunch = 3000
)

// ErrConnectTimeout is returned when the debuggee did not accept a
// connection within the connect timeout.
var ErrConnectTimeout = errors.New("launcher: debuggee connect timeout")

var (
	errDebuggeeExited = errors.New("debuggee exited before accepting a connection")
	errFinished       = errors.New("debuggee finished")
	errDisconnected   = errors.New("client disconnected")
	errDebuggeeGone   = errors.New("debuggee connection closed")
	errClientGone     = errors.New("client connection closed")
)

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the launcher's logger.
func WithLogger(log logr.Logger) Option {
	return func(l *Launcher) { l.log = log }
}

// WithCommand sets the executable, and leading arguments, that start a
// debuggee. It defaults to the running executable.
func WithCommand(argv ...string) Option {
	return func(l *Launcher) { l.command = argv }
}

// WithConnectTimeout bounds how long launch waits for the debuggee to
// accept a connection when the launch request does not say.
func WithConnectTimeout(d time.Duration) Option {
	return func(l *Launcher) { l.connectTimeout = d }
}

// WithEnv adds environment entries to debuggees started inline.
func WithEnv(env ...string) Option {
	return func(l *Launcher) { l.env = append(l.env, env...) }
}

// Launcher serves launch sessions.
type Launcher struct {
	log            logr.Logger
	command        []string
	host           string
	connectTimeout time.Duration
	env            []string
}

// New returns a launcher.
func New(opts ...Option) *Launcher {
	l := &Launcher{
		log:            logr.Discard(),
		host:           "127.0.0.1",
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// launchOptions are the launch request fields only the launcher reads.
type launchOptions struct {
	Name    string `json:"name,omitempty"`
	Console string `json:"console,omitempty"`
	// ConnectTimeout is in seconds.
	ConnectTimeout float64 `json:"connectTimeout,omitempty"`
}

type inbound struct {
	data []byte
	h    header
	err  error
}

type session struct {
	l   *Launcher
	log logr.Logger

	client   *peer
	inbox    chan inbound
	done     chan struct{}
	debuggee *peer

	initialize    []byte
	runInTerminal bool
	pending       []inbound
	initializeSeq int
	requests      sync.Map // debuggee seq -> client seq
	reverse       sync.Map // client seq -> debuggee seq
	sawExited     bool
	sawTerminated bool
	exitCode      int
	proc          *exec.Cmd
	procDone      chan struct{}
	// leftover are client messages the proxy read but could not forward.
	leftover []inbound
}

// Serve runs one session with the client on rwc and returns the exit code
// of the debuggee's run. rwc is closed on return.
func (l *Launcher) Serve(ctx context.Context, rwc io.ReadWriteCloser) (int, error) {
	id := uuid.NewString()
	s := &session{
		l:      l,
		log:    l.log.WithValues("session", id),
		client: newPeer(rwc),
		inbox:  make(chan inbound),
		done:   make(chan struct{}),
	}
	defer close(s.done)
	defer s.client.conn.Close() //nolint:errcheck
	go s.readClient()
	s.log.V(1).Info("launcher session started")
	return s.run(ctx)
}

func (s *session) readClient() {
	for {
		data, h, err := s.client.read()
		if errors.Is(err, errMalformed) {
			s.log.Error(err, "dropping client message")
			continue
		}
		if err != nil {
			select {
			case s.inbox <- inbound{err: err}:
			case <-s.done:
			}
			return
		}
		select {
		case s.inbox <- inbound{data: data, h: h}:
		case <-s.done:
			return
		}
	}
}

// next returns the next client message.
func (s *session) next(ctx context.Context) (inbound, error) {
	select {
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	case m := <-s.inbox:
		if m.err != nil {
			return inbound{}, fmt.Errorf("%w: %v", errClientGone, m.err)
		}
		return m, nil
	}
}

func (s *session) respond(h header) {
	if _, err := s.client.send(&dap.Response{Response: dapserver.NewResponse(h.request())}); err != nil {
		s.log.Error(err, "cannot respond", "command", h.Command)
	}
}

func (s *session) fail(h header, err error) {
	if _, werr := s.client.send(dapserver.ErrorResponse(h.request(), err)); werr != nil {
		s.log.Error(werr, "cannot respond", "command", h.Command)
	}
}

func (s *session) sendEvent(evt dap.EventMessage) {
	if _, err := s.client.send(evt); err != nil {
		s.log.V(1).Info("cannot send event", "event", evt.GetEvent().Event, "error", err.Error())
	}
}

func (s *session) run(ctx context.Context) (int, error) {
	for {
		m, err := s.next(ctx)
		if err != nil {
			return 0, ignoreGone(err)
		}
		if m.h.Type != "request" {
			continue
		}
		switch m.h.Command {
		case "initialize":
			s.onInitialize(m)
		case "launch":
			return s.launch(ctx, m)
		case "disconnect", "terminate":
			s.respond(m.h)
			return 0, nil
		default:
			s.fail(m.h, dapserver.Errorf(ErrIDLaunch, "'%s' is not supported before launch", m.h.Command))
		}
	}
}

func ignoreGone(err error) error {
	if errors.Is(err, errClientGone) {
		return nil
	}
	return err
}

func (s *session) onInitialize(m inbound) {
	var req dap.InitializeRequest
	if err := json.Unmarshal(m.data, &req); err != nil {
		s.fail(m.h, dapserver.Errorf(ErrIDLaunch, "invalid initialize request: %v", err))
		return
	}
	s.initialize = m.data
	s.runInTerminal = req.Arguments.SupportsRunInTerminalRequest
	s.log.V(1).Info("initialize", "client", req.Arguments.ClientID)
	if _, err := s.client.send(&dap.InitializeResponse{Response: dapserver.NewResponse(&req), Body: adapter.Capabilities()}); err != nil {
		s.log.Error(err, "cannot respond to initialize")
	}
}

func (s *session) launch(ctx context.Context, m inbound) (int, error) {
	var req dap.LaunchRequest
	if err := json.Unmarshal(m.data, &req); err != nil {
		s.fail(m.h, dapserver.Errorf(ErrIDLaunch, "invalid launch request: %v", err))
		return ExitConnectFailed, nil
	}
	args, err := adapter.ParseLaunchArguments(req.Arguments)
	if err != nil {
		s.fail(m.h, dapserver.Errorf(ErrIDLaunch, "%v", err))
		return ExitConnectFailed, nil
	}
	var lo launchOptions
	if len(req.Arguments) > 0 {
		_ = json.Unmarshal(req.Arguments, &lo)
	}

	conn, err := s.start(ctx, args, lo)
	if err != nil {
		s.log.Error(err, "cannot start debuggee")
		s.fail(m.h, dapserver.Errorf(ErrIDLaunch, "cannot start the debuggee: %v", err))
		s.sendEvent(&dap.TerminatedEvent{Event: dapserver.NewEvent("terminated")})
		s.stopProcess()
		return ExitConnectFailed, nil
	}
	s.debuggee = newPeer(conn)
	defer s.stopProcess()
	defer s.debuggee.conn.Close() //nolint:errcheck

	if s.initialize != nil {
		err := s.debuggee.forward(s.initialize, 0, func(seq int) { s.initializeSeq = seq })
		if err != nil {
			return ExitConnectFailed, fmt.Errorf("forward initialize: %w", err)
		}
	}
	if err := s.toDebuggee(m); err != nil {
		return ExitConnectFailed, fmt.Errorf("forward launch: %w", err)
	}
	for _, p := range s.pending {
		if err := s.toDebuggee(p); err != nil {
			return ExitConnectFailed, err
		}
	}
	s.pending = nil
	return s.proxy(ctx)
}

// start spawns the debuggee and connects to it.
func (s *session) start(ctx context.Context, args *adapter.LaunchArguments, lo launchOptions) (net.Conn, error) {
	port, err := transport.FreePort(s.l.host)
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	addr := net.JoinHostPort(s.l.host, fmt.Sprint(port))
	command := s.l.command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		command = []string{exe}
	}
	argv := append(append([]string(nil), command...), DebuggeeArgs(addr, args)...)

	switch {
	case lo.Console == "integratedTerminal" && s.runInTerminal,
		lo.Console == "externalTerminal" && s.runInTerminal:
		kind := "integrated"
		if lo.Console == "externalTerminal" {
			kind = "external"
		}
		if err := s.startInTerminal(ctx, kind, lo.Name, args, argv); err != nil {
			return nil, err
		}
	default:
		if err := s.startInline(args, argv); err != nil {
			return nil, err
		}
	}

	timeout := s.l.connectTimeout
	if lo.ConnectTimeout > 0 {
		timeout = time.Duration(lo.ConnectTimeout * float64(time.Second))
	}
	return s.connect(ctx, addr, timeout)
}

func (s *session) startInTerminal(ctx context.Context, kind, title string, args *adapter.LaunchArguments, argv []string) error {
	env := make(map[string]any)
	for _, kv := range args.Environ(nil) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	req := &dap.RunInTerminalRequest{
		Request: dapserver.NewRequest("runInTerminal"),
		Arguments: dap.RunInTerminalRequestArguments{
			Kind:  kind,
			Title: title,
			Cwd:   args.WorkDir(),
			Args:  argv,
			Env:   env,
		},
	}
	seq, err := s.client.send(req)
	if err != nil {
		return err
	}
	for {
		m, err := s.next(ctx)
		if err != nil {
			return err
		}
		switch {
		case m.h.Type == "response" && m.h.RequestSeq == seq:
			if !m.h.Success {
				return fmt.Errorf("runInTerminal: %s", m.h.Message)
			}
			return nil
		case m.h.Type == "request":
			s.pending = append(s.pending, m)
		}
	}
}

func (s *session) startInline(args *adapter.LaunchArguments, argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = args.WorkDir()
	cmd.Env = args.Environ(append(os.Environ(), s.l.env...))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close() //nolint:errcheck
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	s.log.V(1).Info("debuggee started", "pid", cmd.Process.Pid)
	s.proc = cmd
	s.procDone = make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go s.relay(&wg, stdout, "stdout")
	go s.relay(&wg, stderr, "stderr")
	go func() {
		wg.Wait()
		_ = cmd.Wait()
		close(s.procDone)
	}()
	return nil
}

// relay sends the lines of r to the client as output events.
func (s *session) relay(wg *sync.WaitGroup, r io.Reader, category string) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.sendEvent(&dap.OutputEvent{
				Event: dapserver.NewEvent("output"),
				Body:  dap.OutputEventBody{Category: category, Output: line},
			})
		}
		if err != nil {
			return
		}
	}
}

func (s *session) exited() bool {
	if s.procDone == nil {
		return false
	}
	select {
	case <-s.procDone:
		return true
	default:
		return false
	}
}

// connect dials addr until the debuggee accepts, the timeout elapses or an
// inline debuggee exits.
func (s *session) connect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.1),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)
	conn, err := backoff.RetryNotifyWithData(func() (net.Conn, error) {
		if s.exited() {
			return nil, backoff.Permanent(errDebuggeeExited)
		}
		return transport.DialTCP(ctx, addr)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		s.log.V(2).Info("debuggee not ready", "addr", addr, "retry", d, "error", err.Error())
	})
	switch {
	case err == nil:
		s.log.V(1).Info("connected to debuggee", "addr", addr)
		return conn, nil
	case errors.Is(err, errDebuggeeExited), ctx.Err() != nil:
		return nil, err
	default:
		return nil, fmt.Errorf("%w after %v: %v", ErrConnectTimeout, timeout, err)
	}
}

// toDebuggee forwards a client message, remembering the seq of requests
// so their responses can be routed back.
func (s *session) toDebuggee(m inbound) error {
	var requestSeq int
	if m.h.Type == "response" {
		if orig, ok := s.reverse.LoadAndDelete(m.h.RequestSeq); ok {
			requestSeq = orig.(int)
		}
	}
	return s.debuggee.forward(m.data, requestSeq, func(seq int) {
		if m.h.Type == "request" {
			s.requests.Store(seq, m.h.Seq)
		}
	})
}

// toClient forwards a debuggee message. It reports whether the session is
// over.
func (s *session) toClient(data []byte, h header) (bool, error) {
	var requestSeq int
	switch h.Type {
	case "response":
		if s.initializeSeq != 0 && h.RequestSeq == s.initializeSeq {
			return false, nil
		}
		if orig, ok := s.requests.LoadAndDelete(h.RequestSeq); ok {
			requestSeq = orig.(int)
		}
	case "event":
		switch h.Event {
		case "exited":
			var evt dap.ExitedEvent
			if err := json.Unmarshal(data, &evt); err == nil {
				s.exitCode = evt.Body.ExitCode
			}
			s.sawExited = true
		case "terminated":
			s.sawTerminated = true
		}
	}
	err := s.client.forward(data, requestSeq, func(seq int) {
		if h.Type == "request" {
			s.reverse.Store(seq, h.Seq)
		}
	})
	if err != nil {
		return true, err
	}
	if h.Type == "response" && h.Command == "disconnect" {
		return true, errDisconnected
	}
	if s.sawExited && s.sawTerminated {
		return true, errFinished
	}
	return false, nil
}

func (s *session) proxy(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			m, err := s.next(gctx)
			if err != nil {
				if errors.Is(err, errClientGone) {
					return err
				}
				return nil
			}
			if gctx.Err() != nil {
				s.leftover = append(s.leftover, m)
				return nil
			}
			if err := s.toDebuggee(m); err != nil {
				s.leftover = append(s.leftover, m)
				return fmt.Errorf("%w: %v", errDebuggeeGone, err)
			}
		}
	})
	g.Go(func() error {
		for {
			data, h, err := s.debuggee.read()
			if err != nil {
				return fmt.Errorf("%w: %v", errDebuggeeGone, err)
			}
			if over, err := s.toClient(data, h); over {
				return err
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.debuggee.conn.Close() //nolint:errcheck
		return nil
	})
	err := g.Wait()
	s.log.V(1).Info("proxy finished", "reason", err)

	switch {
	case errors.Is(err, errFinished):
		s.drain(ctx)
	case errors.Is(err, errDebuggeeGone):
		if !s.sawTerminated {
			s.sendEvent(&dap.TerminatedEvent{Event: dapserver.NewEvent("terminated")})
		}
		s.drain(ctx)
	case errors.Is(err, errDisconnected), errors.Is(err, errClientGone):
	default:
		return s.code(), err
	}
	return s.code(), nil
}

func (s *session) code() int {
	if s.sawExited {
		return s.exitCode
	}
	if s.proc != nil && s.exited() && s.proc.ProcessState != nil {
		return s.proc.ProcessState.ExitCode()
	}
	return 0
}

// drain answers client requests after the debuggee has gone, until the
// client disconnects.
func (s *session) drain(ctx context.Context) {
	queue := s.leftover
	s.leftover = nil
	for {
		var m inbound
		if len(queue) > 0 {
			m, queue = queue[0], queue[1:]
		} else {
			var err error
			if m, err = s.next(ctx); err != nil {
				return
			}
		}
		if m.h.Type != "request" {
			continue
		}
		switch m.h.Command {
		case "disconnect", "terminate":
			s.respond(m.h)
			if m.h.Command == "disconnect" {
				return
			}
		default:
			s.fail(m.h, dapserver.Errorf(ErrIDLaunch, "the debuggee has terminated"))
		}
	}
}

// stopProcess waits briefly for an inline debuggee, then kills it.
func (s *session) stopProcess() {
	if s.proc == nil {
		return
	}
	select {
	case <-s.procDone:
		return
	case <-time.After(5 * time.Second):
	}
	s.log.Info("killing debuggee", "pid", s.proc.Process.Pid)
	if err := s.proc.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Error(err, "cannot kill debuggee")
	}
	<-s.procDone
}
