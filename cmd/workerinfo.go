// Copyright © 2024 The robotdev authors

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/luthersystems/robotdev/imports/pool"
	"github.com/luthersystems/robotdev/transport"
	"github.com/spf13/cobra"
)

// WorkerInfoCommand creates the "worker-info" command.
func WorkerInfoCommand(e *env) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "worker-info",
		Short: "Show the framework version and search path the workers see",
		Long: `Start the import workers of the selected profile and print the
framework version, interpreter and module search path they report. Use it
to check that the configured python_path and worker command work.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			m, err := e.newManager(false)
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck
			info, err := m.Info(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(e.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(e.stdout, "framework:   %s\n", info.FrameworkVersion)
			fmt.Fprintf(e.stdout, "interpreter: %s\n", info.Interpreter)
			fmt.Fprintf(e.stdout, "search path: %s\n", strings.Join(info.SearchPaths, "\n             "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the information as JSON")
	return cmd
}

// WorkerCommand creates the hidden "worker" command. It serves the loader
// given with WithLoader on stdio, so an embedding program can be its own
// worker command.
func WorkerCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve imports to a worker pool on stdio",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return pool.Serve(ctx, transport.Stdio(), e.cfg.loader, e.log.WithName("worker"))
		},
	}
}
