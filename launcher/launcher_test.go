// Copyright © 2024 The robotdev authors

package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-dap"
	"github.com/luthersystems/robotdev/dapserver"
	"github.com/luthersystems/robotdev/debugger"
	"github.com/luthersystems/robotdev/debugger/adapter"
	"github.com/luthersystems/robotdev/transport"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "ROBOTDEV_WANT_HELPER_DEBUGGEE"

// TestHelperDebuggee is not a real test. It is the debuggee process the
// launcher under test starts.
func TestHelperDebuggee(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	if mode == "exit" {
		os.Exit(1)
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 || args[0] != DebuggeeCommand {
		os.Exit(2)
	}
	fs := pflag.NewFlagSet(DebuggeeCommand, pflag.ContinueOnError)
	flags := BindDebuggeeFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(2)
	}
	ln, err := net.Listen("tcp", flags.TCP)
	if err != nil {
		os.Exit(2)
	}
	conn, err := ln.Accept()
	if err != nil {
		os.Exit(2)
	}
	srv := dapserver.New()
	dapserver.On(srv, "initialize", func(_ context.Context, req *dap.InitializeRequest) (dap.ResponseMessage, error) {
		srv.Send(&dap.InitializeResponse{Response: dapserver.NewResponse(req)})
		srv.SendEvent(&dap.InitializedEvent{Event: dapserver.NewEvent("initialized")})
		return nil, dapserver.ErrResponded
	})
	dapserver.On(srv, "launch", func(_ context.Context, req *dap.LaunchRequest) (dap.ResponseMessage, error) {
		fmt.Println("hello from debuggee")
		return &dap.LaunchResponse{Response: dapserver.NewResponse(req)}, nil
	})
	dapserver.On(srv, "configurationDone", func(_ context.Context, req *dap.ConfigurationDoneRequest) (dap.ResponseMessage, error) {
		srv.Send(&dap.ConfigurationDoneResponse{Response: dapserver.NewResponse(req)})
		srv.SendEvent(&dap.ExitedEvent{Event: dapserver.NewEvent("exited"), Body: dap.ExitedEventBody{ExitCode: 7}})
		srv.SendEvent(&dap.TerminatedEvent{Event: dapserver.NewEvent("terminated")})
		return nil, dapserver.ErrResponded
	})
	_ = srv.Serve(context.Background(), conn)
	os.Exit(0)
}

func helperCommand() []string {
	return []string{os.Args[0], "-test.run=TestHelperDebuggee", "--"}
}

// client is the test's side of a launcher session.
type client struct {
	t    *testing.T
	conn *transport.Conn
	seq  int
}

func startSession(t *testing.T, opts ...Option) (*client, <-chan int) {
	t.Helper()
	here, there := net.Pipe()
	require.NoError(t, here.SetDeadline(time.Now().Add(20*time.Second)))
	l := New(append([]Option{WithLogger(testr.New(t))}, opts...)...)
	codes := make(chan int, 1)
	go func() {
		code, err := l.Serve(context.Background(), there)
		assert.NoError(t, err)
		codes <- code
	}()
	c := &client{t: t, conn: transport.NewConn(here)}
	t.Cleanup(func() { c.conn.Close() }) //nolint:errcheck
	return c, codes
}

func (c *client) request(command string, args any) int {
	c.t.Helper()
	c.seq++
	msg := map[string]any{"seq": c.seq, "type": "request", "command": command}
	if args != nil {
		msg["arguments"] = args
	}
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(data))
	return c.seq
}

func (c *client) respond(req dap.RequestMessage) {
	c.t.Helper()
	c.seq++
	resp := dapserver.NewResponse(req)
	resp.Seq = c.seq
	data, err := json.Marshal(&resp)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(data))
}

// until reads messages up to and including the first one match accepts.
func (c *client) until(match func(dap.Message) bool) []dap.Message {
	c.t.Helper()
	var seen []dap.Message
	for {
		data, err := c.conn.Read()
		require.NoError(c.t, err)
		msg, err := dap.DecodeProtocolMessage(data)
		require.NoError(c.t, err)
		seen = append(seen, msg)
		if match(msg) {
			return seen
		}
	}
}

// rest reads until the launcher closes the connection.
func (c *client) rest() []dap.Message {
	var seen []dap.Message
	for {
		data, err := c.conn.Read()
		if err != nil {
			return seen
		}
		if msg, err := dap.DecodeProtocolMessage(data); err == nil {
			seen = append(seen, msg)
		}
	}
}

func isResponseTo(seq int) func(dap.Message) bool {
	return func(m dap.Message) bool {
		r, ok := m.(dap.ResponseMessage)
		return ok && r.GetResponse().RequestSeq == seq
	}
}

func isEvent(name string) func(dap.Message) bool {
	return func(m dap.Message) bool {
		e, ok := m.(dap.EventMessage)
		return ok && e.GetEvent().Event == name
	}
}

func last(msgs []dap.Message) dap.Message {
	return msgs[len(msgs)-1]
}

func outputOf(msgs []dap.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if o, ok := m.(*dap.OutputEvent); ok {
			b.WriteString(o.Body.Output)
		}
	}
	return b.String()
}

// runSession drives a launched session from configurationDone to
// disconnect and returns every message seen.
func runSession(t *testing.T, c *client) []dap.Message {
	t.Helper()
	seq := c.request("configurationDone", nil)
	seen := c.until(isResponseTo(seq))
	assert.True(t, last(seen).(dap.ResponseMessage).GetResponse().Success)
	seen = append(seen, c.until(isEvent("terminated"))...)
	var exited *dap.ExitedEvent
	for _, m := range seen {
		if e, ok := m.(*dap.ExitedEvent); ok {
			exited = e
		}
	}
	require.NotNil(t, exited)
	assert.Equal(t, 7, exited.Body.ExitCode)

	seq = c.request("disconnect", nil)
	seen = append(seen, c.until(isResponseTo(seq))...)
	return append(seen, c.rest()...)
}

func TestLaunchInline(t *testing.T) {
	c, codes := startSession(t, WithCommand(helperCommand()...), WithEnv(helperEnv+"=listen"))

	seq := c.request("initialize", map[string]any{"clientID": "test", "adapterID": "robotdev"})
	initSeen := c.until(isResponseTo(seq))
	resp, ok := last(initSeen).(*dap.InitializeResponse)
	require.True(t, ok)
	assert.True(t, resp.Body.SupportsConfigurationDoneRequest)

	seq = c.request("launch", map[string]any{"console": "internalConsole", "paths": []string{"suite.robot"}})
	seen := c.until(isResponseTo(seq))
	launch, ok := last(seen).(*dap.LaunchResponse)
	require.True(t, ok)
	assert.True(t, launch.Success)
	assert.Equal(t, "launch", launch.Command)
	var initialized bool
	for _, m := range seen {
		if _, ok := m.(*dap.InitializedEvent); ok {
			initialized = true
		}
		_, dup := m.(*dap.InitializeResponse)
		assert.False(t, dup, "the debuggee's initialize response is not forwarded")
	}
	assert.True(t, initialized)

	seen = append(seen, runSession(t, c)...)
	assert.Contains(t, outputOf(seen), "hello from debuggee")

	select {
	case code := <-codes:
		assert.Equal(t, 7, code)
	case <-time.After(10 * time.Second):
		t.Fatal("launcher did not finish")
	}
}

func TestLaunchRunInTerminal(t *testing.T) {
	c, codes := startSession(t, WithCommand(helperCommand()...))

	seq := c.request("initialize", map[string]any{"clientID": "test", "supportsRunInTerminalRequest": true})
	c.until(isResponseTo(seq))

	launchSeq := c.request("launch", map[string]any{"console": "integratedTerminal", "name": "Run suite"})
	seen := c.until(func(m dap.Message) bool {
		_, ok := m.(*dap.RunInTerminalRequest)
		return ok
	})
	rit := last(seen).(*dap.RunInTerminalRequest)
	assert.Equal(t, "integrated", rit.Arguments.Kind)
	assert.Equal(t, "Run suite", rit.Arguments.Title)
	argv := rit.Arguments.Args
	require.Greater(t, len(argv), 5)
	assert.Contains(t, argv, DebuggeeCommand)
	assert.Contains(t, argv, "--wait-for-client")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), helperEnv+"=listen")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})
	c.respond(rit)

	seen = c.until(isResponseTo(launchSeq))
	assert.True(t, last(seen).(dap.ResponseMessage).GetResponse().Success)
	runSession(t, c)

	select {
	case code := <-codes:
		assert.Equal(t, 7, code)
	case <-time.After(10 * time.Second):
		t.Fatal("launcher did not finish")
	}
}

func TestLaunchDebuggeeExits(t *testing.T) {
	c, codes := startSession(t, WithCommand(helperCommand()...), WithEnv(helperEnv+"=exit"))

	seq := c.request("launch", map[string]any{"paths": []string{"suite.robot"}})
	seen := c.until(isResponseTo(seq))
	errResp, ok := last(seen).(*dap.ErrorResponse)
	require.True(t, ok)
	assert.False(t, errResp.Success)
	require.NotNil(t, errResp.Body.Error)
	assert.Equal(t, ErrIDLaunch, errResp.Body.Error.Id)
	c.until(isEvent("terminated"))
	assert.Equal(t, ExitConnectFailed, <-codes)
}

func TestLaunchConnectTimeout(t *testing.T) {
	c, codes := startSession(t, WithCommand(helperCommand()...))

	seq := c.request("initialize", map[string]any{"supportsRunInTerminalRequest": true})
	c.until(isResponseTo(seq))
	launchSeq := c.request("launch", map[string]any{"console": "externalTerminal", "connectTimeout": 0.3})
	seen := c.until(func(m dap.Message) bool {
		_, ok := m.(*dap.RunInTerminalRequest)
		return ok
	})
	rit := last(seen).(*dap.RunInTerminalRequest)
	assert.Equal(t, "external", rit.Arguments.Kind)
	// Report success without starting anything.
	c.respond(rit)

	seen = c.until(isResponseTo(launchSeq))
	errResp, ok := last(seen).(*dap.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.Body.Error.Format, "timeout")
	c.until(isEvent("terminated"))
	assert.Equal(t, ExitConnectFailed, <-codes)
}

func TestRequestsBeforeLaunch(t *testing.T) {
	c, codes := startSession(t)

	seq := c.request("threads", nil)
	seen := c.until(isResponseTo(seq))
	_, ok := last(seen).(*dap.ErrorResponse)
	assert.True(t, ok)

	seq = c.request("disconnect", nil)
	seen = c.until(isResponseTo(seq))
	assert.True(t, last(seen).(dap.ResponseMessage).GetResponse().Success)
	assert.Equal(t, 0, <-codes)
}

func TestClientCloseBeforeLaunch(t *testing.T) {
	c, codes := startSession(t)
	require.NoError(t, c.conn.Close())
	assert.Equal(t, 0, <-codes)
}

func TestDebuggeeArgs(t *testing.T) {
	off := false
	want := &adapter.LaunchArguments{
		Cwd:              "/work",
		Paths:            []string{"suites/login.robot", "suites/admin"},
		Args:             []string{"--loglevel", "DEBUG"},
		Variables:        map[string]any{"HOST": "localhost", "PORT": float64(8080), "FLAGS": []any{"a", "b"}},
		VariableFiles:    []string{"vars.yaml"},
		Include:          []string{"smoke"},
		Exclude:          []string{"slow", "flaky"},
		OutputDir:        "out",
		Profiles:         []string{"ci"},
		StopOnEntry:      true,
		GroupOutput:      true,
		OutputMessages:   true,
		OutputLog:        &off,
		OutputTimestamps: true,
		EvaluateTimeout:  2.5,
		PathMappings:     []debugger.PathMapping{{LocalRoot: "/home/me/proj", RemoteRoot: "/src"}},
	}
	argv := DebuggeeArgs("127.0.0.1:4711", want)
	require.Equal(t, DebuggeeCommand, argv[0])

	fs := pflag.NewFlagSet(DebuggeeCommand, pflag.ContinueOnError)
	flags := BindDebuggeeFlags(fs)
	require.NoError(t, fs.Parse(argv[1:]))
	assert.Equal(t, "127.0.0.1:4711", flags.TCP)
	assert.True(t, flags.WaitForClient)
	assert.Equal(t, want, flags.LaunchArguments(fs.Args()))
}

func TestDebuggeeArgsMinimal(t *testing.T) {
	argv := DebuggeeArgs("127.0.0.1:1", &adapter.LaunchArguments{})
	assert.Equal(t, []string{DebuggeeCommand, "--tcp", "127.0.0.1:1", "--wait-for-client", "--"}, argv)

	fs := pflag.NewFlagSet(DebuggeeCommand, pflag.ContinueOnError)
	flags := BindDebuggeeFlags(fs)
	require.NoError(t, fs.Parse(argv[1:]))
	got := flags.LaunchArguments(fs.Args())
	assert.Nil(t, got.OutputLog)
	assert.Empty(t, got.Variables)
	assert.Empty(t, got.Paths)
}

func TestApplyDefaults(t *testing.T) {
	on := true
	base := &adapter.LaunchArguments{
		Cwd:         "/work",
		Paths:       []string{"all"},
		Include:     []string{"smoke"},
		OutputLog:   &on,
		StopOnEntry: true,
	}
	a := &adapter.LaunchArguments{Paths: []string{"one.robot"}}
	ApplyDefaults(a, base)
	assert.Equal(t, "/work", a.Cwd)
	assert.Equal(t, []string{"one.robot"}, a.Paths)
	assert.Equal(t, []string{"smoke"}, a.Include)
	assert.Same(t, &on, a.OutputLog)
	assert.True(t, a.StopOnEntry)
}

func TestPeerRemapsSeq(t *testing.T) {
	here, there := net.Pipe()
	p := newPeer(there)
	other := transport.NewConn(here)
	defer other.Close() //nolint:errcheck

	var recorded int
	errc := make(chan error, 1)
	go func() {
		errc <- p.forward([]byte(`{"seq":41,"type":"response","command":"next","request_seq":9,"success":true}`), 3, func(seq int) { recorded = seq })
	}()
	data, err := other.Read()
	require.NoError(t, err)
	require.NoError(t, <-errc)

	var h header
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, 1, h.Seq)
	assert.Equal(t, 1, recorded)
	assert.Equal(t, 3, h.RequestSeq)
	assert.Equal(t, "next", h.Command)

	err = p.forward([]byte(`[1,2]`), 0, nil)
	assert.True(t, errors.Is(err, errMalformed))
}
