// Copyright © 2024 The robotdev authors

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ConfigCommand creates the "config" command.
func ConfigCommand(e *env) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "config [flags]",
		Short: "Show the effective configuration",
		Long: `Print the settings of the selected profile after inheritance,
environment variables and flags are applied, in the format of the
configuration file.

Examples:
  robotdev config
  robotdev config --config-profile ci
  robotdev config --list              List the profiles of the file`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if list {
				for _, name := range e.conf.Profiles() {
					fmt.Fprintln(e.stdout, name)
				}
				return nil
			}
			if f := e.conf.File(); f != "" {
				fmt.Fprintf(e.stdout, "# %s, profile %s\n", f, e.profile.Name)
			} else {
				fmt.Fprintf(e.stdout, "# defaults, profile %s\n", e.profile.Name)
			}
			b, err := e.profile.YAML()
			if err != nil {
				return err
			}
			_, err = e.stdout.Write(b)
			return err
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List the profiles of the configuration file")
	return cmd
}
