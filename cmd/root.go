// Copyright © 2024 The robotdev authors

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/luthersystems/robotdev/config"
	"github.com/luthersystems/robotdev/diagnostic"
	"github.com/luthersystems/robotdev/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// env is the state shared by subcommands. It is filled in by the root
// command before any subcommand runs.
type env struct {
	cfg     cmdConfig
	conf    *config.Config
	profile *config.Profile
	log     *logging.Logger
	color   diagnostic.ColorMode
	stdout  io.Writer
	stderr  io.Writer
}

// exitError ends the program with a specific exit code. Its message, if
// any, has already been reported.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// NewRootCommand returns the robotdev command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	e := &env{stdout: os.Stdout, stderr: os.Stderr}
	for _, o := range opts {
		o(&e.cfg)
	}

	var (
		cfgFile     string
		profileName string
		colorFlag   string
	)

	root := &cobra.Command{
		Use:   "robotdev",
		Short: "Language server, debugger and checks for Robot Framework suites",
		Long: `robotdev is developer tooling for Robot Framework test suites. It
provides a language server, a Debug Adapter Protocol debugger, an
interactive command line debugger and a static namespace check.

Library, resource and variable imports are resolved by a pool of worker
processes running the framework's own import machinery; namespaces are
cached on disk between runs.

Getting started:
  robotdev check tests/...        Report unresolved imports and keywords
  robotdev debug tests/login.robot
                                  Debug a suite from the terminal
  robotdev lsp                    Start the language server on stdio
  robotdev launch                 Start the DAP launcher on stdio
  robotdev config                 Show the effective configuration

Configuration is read from robotdev.yaml (or .toml, .json) in the working
directory. Settings may be overridden by ROBOTDEV_ environment variables,
e.g. ROBOTDEV_WORKERS=4 or ROBOTDEV_TIMEOUTS_LOAD=1m, and by flags.
Select a profile of the file with --config-profile or ROBOTDEV_PROFILE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e.stdout = cmd.OutOrStdout()
			e.stderr = cmd.ErrOrStderr()
			mode, err := diagnostic.ParseColorMode(colorFlag)
			if err != nil {
				return err
			}
			e.color = mode
			flags := cmd.Root().PersistentFlags()
			e.conf, err = config.Load(config.Options{
				File: cfgFile,
				Dir:  e.cfg.dir,
				Flags: map[string]*pflag.Flag{
					"log.level":  flags.Lookup("verbosity"),
					"log.format": flags.Lookup("log-format"),
				},
			})
			if err != nil {
				return err
			}
			e.profile, err = e.conf.Profile(profileName)
			if err != nil {
				return err
			}
			e.log, err = logging.New(logging.Options{
				Level:  e.profile.Log.Level,
				Format: e.profile.Log.Format,
				Output: e.stderr,
				Name:   "robotdev",
			})
			if err != nil {
				return err
			}
			e.log.V(1).Info("configuration loaded", "file", e.conf.File(), "profile", e.profile.Name)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.log != nil {
				e.log.Flush()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "",
		"Configuration file (default is ./"+config.FileName+".yaml)")
	pf.StringVar(&profileName, "config-profile", os.Getenv(config.EnvPrefix+"_PROFILE"),
		"Configuration profile (default is "+config.DefaultProfile+")")
	pf.StringVar(&colorFlag, "color", "auto",
		`Control colored output: "auto", "always", or "never".`)
	pf.IntP("verbosity", "v", 0, "Log verbosity; 1 logs debug and 2 logs trace messages")
	pf.String("log-format", logging.FormatConsole, `Log format: "console" or "json"`)

	root.AddCommand(
		CheckCommand(e),
		LSPCommand(e),
		DebugCommand(e),
		DebuggeeCommand(e),
		LaunchCommand(e),
		WorkerInfoCommand(e),
		ConfigCommand(e),
		VersionCommand(),
	)
	if e.cfg.loader != nil {
		root.AddCommand(WorkerCommand(e))
	}
	return root
}

// Execute runs the robotdev command line and exits the process.
func Execute(opts ...Option) {
	os.Exit(run(NewRootCommand(opts...), os.Args[1:]))
}

func run(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	var exit *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.code
	default:
		fmt.Fprintf(root.ErrOrStderr(), "%s: %v\n", filepath.Base(root.Name()), err)
		return 1
	}
}
