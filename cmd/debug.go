// Copyright © 2024 The robotdev authors

package cmd

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/luthersystems/robotdev/dapserver"
	"github.com/luthersystems/robotdev/debugger"
	"github.com/luthersystems/robotdev/debugger/adapter"
	"github.com/luthersystems/robotdev/debugger/debugrepl"
	"github.com/luthersystems/robotdev/framework"
	"github.com/luthersystems/robotdev/launcher"
	"github.com/luthersystems/robotdev/namespace"
	"github.com/luthersystems/robotdev/transport"
	"github.com/spf13/cobra"
)

// ExitInterrupted is the exit code of a debug session ended by SIGINT.
const ExitInterrupted = 253

// DebugCommand creates the "debug" command.
func DebugCommand(e *env) *cobra.Command {
	var repl bool
	var flags *launcher.DebuggeeFlags
	var prof *profileFlags
	cmd := &cobra.Command{
		Use:   "debug [flags] [paths...]",
		Short: "Debug suites from the terminal or over DAP on stdio",
		Long: `Run suites under the debugger.

With --repl the suites run in the terminal and pause before the first
keyword; type "help" at the prompt for the debugger commands. Without
--repl a single Debug Adapter Protocol session is served on stdin and
stdout and the run starts when the client launches it. Launch arguments
given by the client take precedence over the flags.

Examples:
  robotdev debug --repl tests/login.robot
  robotdev debug --repl --include smoke --variable 'USER="alice"' tests/
  robotdev debug                     Serve DAP on stdio`,
		RunE: func(cmd *cobra.Command, paths []string) error {
			args := flags.LaunchArguments(paths)
			launcher.ApplyDefaults(args, e.baseLaunch())
			if repl {
				return e.runREPL(cmd.Context(), args, prof)
			}
			return e.serveDebuggee(cmd.Context(), transport.Config{Mode: transport.ModeStdio}, args, prof)
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&repl, "repl", false, "Debug interactively in the terminal")
	flags = launcher.BindDebuggeeFlags(fs)
	fs.MarkHidden("tcp")             //nolint:errcheck
	fs.MarkHidden("wait-for-client") //nolint:errcheck
	prof = bindProfileFlags(fs)
	return cmd
}

// DebuggeeCommand creates the "debuggee" command the launcher starts.
func DebuggeeCommand(e *env) *cobra.Command {
	var flags *launcher.DebuggeeFlags
	var prof *profileFlags
	cmd := &cobra.Command{
		Use:    launcher.DebuggeeCommand + " [flags] [paths...]",
		Short:  "Serve one DAP debug session on TCP",
		Hidden: true,
		Long: `Serve one Debug Adapter Protocol session and run the suites the client
launches. The launcher starts this command with --tcp and forwards the
client's launch arguments as flags; arguments of the launch request fill
in whatever the flags leave unset. Without --tcp the session is served on
stdio.

The run never starts before a client has launched it, so
--wait-for-client is implied.

Exit codes:
  253  The session was interrupted
  n    The framework's exit code otherwise`,
		RunE: func(cmd *cobra.Command, paths []string) error {
			args := flags.LaunchArguments(paths)
			launcher.ApplyDefaults(args, e.baseLaunch())
			cfg := transport.Config{Mode: transport.ModeStdio}
			if flags.TCP != "" {
				cfg = transport.Config{Mode: transport.ModeTCP, Address: flags.TCP}
			}
			return e.serveDebuggee(cmd.Context(), cfg, args, prof)
		},
	}
	flags = launcher.BindDebuggeeFlags(cmd.Flags())
	prof = bindProfileFlags(cmd.Flags())
	return cmd
}

// baseLaunch returns launch arguments carrying the profile's settings.
func (e *env) baseLaunch() *adapter.LaunchArguments {
	return &adapter.LaunchArguments{
		EvaluateTimeout: e.profile.Timeouts.Evaluate.Seconds(),
	}
}

// interruptible returns a context canceled on SIGINT and reports whether
// that happened.
func interruptible(ctx context.Context) (context.Context, func() bool, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	interrupted := make(chan struct{})
	go func() {
		select {
		case <-sig:
			close(interrupted)
			cancel()
		case <-ctx.Done():
		}
	}()
	was := func() bool {
		select {
		case <-interrupted:
			return true
		default:
			return false
		}
	}
	return ctx, was, func() {
		signal.Stop(sig)
		cancel()
	}
}

// keywordSource returns the keyword names completions in the debugger
// offer. Failing to start the workers only disables those completions.
func (e *env) keywordSource() (debugger.KeywordSource, func()) {
	m, err := e.newManager(false)
	if err != nil {
		e.log.Error(err, "keyword completion disabled")
		return nil, func() {}
	}
	ks, err := namespace.NewKeywordSource(m, namespace.WithLogger(e.log.WithName("namespace")))
	if err != nil {
		e.log.Error(err, "keyword completion disabled")
		m.Close() //nolint:errcheck
		return nil, func() {}
	}
	return ks, func() {
		ks.Close()
		m.Close() //nolint:errcheck
	}
}

func (e *env) newEngine(ks debugger.KeywordSource) *debugger.Engine {
	opts := []debugger.Option{
		debugger.WithLogger(e.log.WithName("debugger")),
		debugger.WithEvaluateTimeout(e.profile.Timeouts.Evaluate),
	}
	if ks != nil {
		opts = append(opts, debugger.WithKeywordSource(ks))
	}
	return debugger.New(opts...)
}

func (e *env) runREPL(ctx context.Context, args *adapter.LaunchArguments, prof *profileFlags) error {
	ctx, interrupted, cancel := interruptible(ctx)
	defer cancel()
	ls, closeListeners, err := prof.listeners(ctx, e)
	if err != nil {
		return err
	}
	ks, closeKeywords := e.keywordSource()
	defer closeKeywords()

	code, err := debugrepl.Run(ctx, e.newEngine(ks), e.newRunner(e.stdout), args,
		debugrepl.WithStderr(e.stderr),
		debugrepl.WithLogger(e.log.WithName("repl")),
		debugrepl.WithListeners(ls...),
	)
	if cerr := closeListeners(); cerr != nil {
		e.log.Error(cerr, "cannot write profile")
	}
	switch {
	case interrupted():
		return &exitError{code: ExitInterrupted}
	case err != nil:
		return err
	case code != 0:
		return &exitError{code: code}
	}
	return nil
}

// serveDebuggee serves one DAP session on the transport and returns the
// exit code of the run it launched.
func (e *env) serveDebuggee(ctx context.Context, cfg transport.Config, base *adapter.LaunchArguments, prof *profileFlags) error {
	ctx, interrupted, cancel := interruptible(ctx)
	defer cancel()
	ls, closeListeners, err := prof.listeners(ctx, e)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeListeners(); cerr != nil {
			e.log.Error(cerr, "cannot write profile")
		}
	}()
	ks, closeKeywords := e.keywordSource()
	defer closeKeywords()

	var stdout io.Writer = e.stdout
	if cfg.Mode == transport.ModeStdio {
		// stdout carries the protocol.
		stdout = e.stderr
	}
	code := 0
	cfg.Log = e.log.WithName("transport")
	cfg.Ready = func(addr net.Addr) {
		e.log.Info("debuggee listening", "address", addr.String())
	}
	err = transport.Serve(ctx, cfg, func(ctx context.Context, conn io.ReadWriteCloser) error {
		c, serr := e.debugSession(ctx, conn, base, ls, ks, stdout)
		code = c
		return serr
	})
	switch {
	case interrupted():
		return &exitError{code: ExitInterrupted}
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	case code != 0:
		return &exitError{code: code}
	}
	return nil
}

func (e *env) debugSession(ctx context.Context, conn io.ReadWriteCloser, base *adapter.LaunchArguments,
	ls []framework.Listener, ks debugger.KeywordSource, stdout io.Writer) (int, error) {
	srv := dapserver.New(dapserver.WithLogger(e.log.WithName("dap")))
	a := adapter.New(srv, e.newEngine(ks),
		adapter.WithLogger(e.log.WithName("adapter")),
		adapter.WithRunner(e.newRunner(stdout)),
		adapter.WithListeners(ls...),
		adapter.WithLaunchHook(func(la *adapter.LaunchArguments) error {
			launcher.ApplyDefaults(la, base)
			return nil
		}),
	)
	err := srv.Serve(ctx, conn)
	if !a.Started() {
		return 0, err
	}
	select {
	case <-a.RunDone():
	case <-ctx.Done():
		// The run is terminated with the session; give it a moment to
		// report its exit code.
		select {
		case <-a.RunDone():
		case <-time.After(5 * time.Second):
			return 0, ctx.Err()
		}
	}
	return a.ExitCode(), err
}
