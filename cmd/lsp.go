// Copyright © 2024 The robotdev authors

package cmd

import (
	"context"
	"fmt"

	"github.com/luthersystems/robotdev/lsp"
	"github.com/spf13/cobra"
)

// LSPCommand creates the "lsp" command.
func LSPCommand(e *env) *cobra.Command {
	var (
		stdio bool
		port  int
	)
	cmd := &cobra.Command{
		Use:   "lsp [flags]",
		Short: "Start the Language Server Protocol server",
		Long: `Start an LSP server for Robot Framework suite and resource files.

The server analyses open documents as they change and publishes
diagnostics for unresolved imports and keywords. It also provides keyword,
variable and import completion, hover documentation, go-to-definition and
document symbols. Documents are re-analysed when a file they import
changes on disk.

Transport modes:
  --stdio      Use stdin/stdout for LSP communication (default)
  --port N     Listen for an LSP client on TCP port N

Examples:
  robotdev lsp                       Start with stdio transport
  robotdev lsp --port 7998           Start with TCP on port 7998`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			m, err := e.newManager(true)
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck
			srv := lsp.New(m,
				lsp.WithLogger(e.log.WithName("lsp")),
				lsp.WithNamespaceOptions(e.namespaceOptions(ctx, m)...),
				lsp.WithDebounce(e.profile.Debounce),
			)
			defer srv.Close()
			if !stdio && port > 0 {
				addr := fmt.Sprintf("localhost:%d", port)
				e.log.Info("language server listening", "address", addr)
				return srv.RunTCP(addr)
			}
			return srv.RunStdio()
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false,
		"Use stdin/stdout for LSP communication (default behavior)")
	cmd.Flags().IntVar(&port, "port", 0,
		"TCP port for LSP server (use instead of --stdio)")
	return cmd
}
