// Copyright © 2024 The robotdev authors

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/luthersystems/robotdev/diagnostic"
	"github.com/luthersystems/robotdev/imports"
	"github.com/luthersystems/robotdev/namespace"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// CheckCommand creates the "check" command.
func CheckCommand(e *env) *cobra.Command {
	var (
		jsonOut  bool
		strict   bool
		excludes []string
	)
	cmd := &cobra.Command{
		Use:   "check [flags] paths...",
		Short: "Report unresolved imports and keywords in suites",
		Long: `Build the namespace of each suite and resource file and report what
cannot be resolved: missing libraries, resources and variable files, and
keyword calls that match no keyword or more than one.

Directories are searched recursively for .robot and .resource files. A
trailing "/..." is accepted for symmetry with other tools.

Exit codes:
  0  No errors were reported
  1  One or more errors were reported (or warnings with --strict)
  2  Bad invocation or the workers could not be started

Examples:
  robotdev check tests/
  robotdev check --exclude=results --exclude='wip_*' ./...
  robotdev check --json tests/login.robot`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandArgs(args, excludes)
			if err != nil {
				fmt.Fprintln(e.stderr, err)
				return &exitError{code: 2}
			}
			diags, err := e.check(cmd.Context(), files)
			if err != nil {
				fmt.Fprintln(e.stderr, err)
				return &exitError{code: 2}
			}
			counts := diagnostic.Count(diags)
			if jsonOut {
				enc := json.NewEncoder(e.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diags); err != nil {
					return err
				}
			} else {
				r := &diagnostic.Renderer{Color: e.color, Width: 100}
				if err := r.RenderAll(e.stdout, diags); err != nil {
					return err
				}
				fmt.Fprintf(e.stdout, "checked %d files: %s\n", len(files), counts)
			}
			if counts.Errors > 0 || (strict && counts.Warnings > 0) {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print diagnostics as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail on warnings too")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil,
		"Skip files and directories matching this pattern (repeatable)")
	return cmd
}

// check builds the namespaces of files concurrently and returns their
// diagnostics in file order.
func (e *env) check(ctx context.Context, files []string) ([]diagnostic.Diagnostic, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := e.newManager(false)
	if err != nil {
		return nil, err
	}
	defer m.Close() //nolint:errcheck
	opts := e.namespaceOptions(ctx, m)

	results := make([][]namespace.Diagnostic, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.profile.Workers, 1))
	for i, file := range files {
		g.Go(func() error {
			abs, err := filepath.Abs(file)
			if err != nil {
				return err
			}
			s := imports.NewSentinel(abs)
			defer m.Release(s)
			ns, err := namespace.Build(gctx, m, abs, s, opts...)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			e.log.V(1).Info("checked", "file", file, "diagnostics", len(ns.Diagnostics))
			results[i] = ns.Diagnostics
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []diagnostic.Diagnostic
	for _, ds := range results {
		for _, d := range ds {
			out = append(out, diagnostic.FromNamespace(d))
		}
	}
	return out, nil
}
