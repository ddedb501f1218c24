// Copyright © 2024 The robotdev authors

package cmd

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/luthersystems/robotdev/launcher"
	"github.com/luthersystems/robotdev/transport"
	"github.com/spf13/cobra"
)

// LaunchCommand creates the "launch" command.
func LaunchCommand(e *env) *cobra.Command {
	var (
		mode        string
		address     string
		keepServing bool
	)
	cmd := &cobra.Command{
		Use:   "launch [flags]",
		Short: "Serve the DAP launcher that starts debuggees",
		Long: `Serve the Debug Adapter Protocol launcher. Editors talk to the launcher;
on a launch request it starts "robotdev debuggee" in a terminal, or
inline for the internal console, connects to it and relays the session.
The launcher itself never runs suites.

The debuggee reads the same configuration file and profile as the
launcher.

Transport modes (--mode):
  stdio        stdin and stdout (default)
  tcp          listen on --address
  tcp-client   connect to --address
  pipe         connect to the named pipe --address
  pipe-server  listen on the named pipe --address

Exit codes:
  255  The debuggee could not be reached
  n    The debuggee's exit code otherwise`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := transport.ParseMode(mode)
			if err != nil {
				return err
			}
			ctx, interrupted, cancel := interruptible(cmd.Context())
			defer cancel()
			l, err := e.newLauncher()
			if err != nil {
				return err
			}
			code := 0
			err = transport.Serve(ctx, transport.Config{
				Mode:        m,
				Address:     address,
				KeepServing: keepServing,
				Log:         e.log.WithName("transport"),
				Ready: func(addr net.Addr) {
					e.log.Info("launcher listening", "address", addr.String())
				},
			}, func(ctx context.Context, conn io.ReadWriteCloser) error {
				c, serr := l.Serve(ctx, conn)
				code = c
				return serr
			})
			switch {
			case interrupted():
				return &exitError{code: ExitInterrupted}
			case err != nil && !errors.Is(err, context.Canceled):
				return err
			case code == launcher.ExitConnectFailed:
				e.log.Info("debuggee unreachable")
				return &exitError{code: code}
			case code != 0:
				return &exitError{code: code}
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&mode, "mode", string(transport.ModeStdio), "Transport mode")
	fs.StringVar(&address, "address", "127.0.0.1:6612", "Address or pipe name of the network modes")
	fs.BoolVar(&keepServing, "keep-serving", false, "Accept another client after a session ends")
	return cmd
}

// newLauncher returns a launcher starting debuggees with this executable
// and configuration.
func (e *env) newLauncher() (*launcher.Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	argv := []string{exe}
	if f := e.conf.File(); f != "" {
		argv = append(argv, "--config", f)
	}
	if e.profile.Name != "" {
		argv = append(argv, "--config-profile", e.profile.Name)
	}
	return launcher.New(
		launcher.WithLogger(e.log.WithName("launcher")),
		launcher.WithCommand(argv...),
		launcher.WithConnectTimeout(e.profile.Timeouts.Connect),
		launcher.WithEnv(e.profile.Environ(nil)...),
	), nil
}
