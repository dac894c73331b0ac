// Package command contains the CLI command constructors.
package command

import (
	"github.com/spf13/cobra"
)

// RootCommand instantiates the root command, with all sub-commands bound.
func RootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "extproc-basicauth [command] [flags]",
		Short:        "Envoy external processor enforcing HTTP Basic Authentication",
		Version:      version(),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	cmd.AddCommand(
		serveCommand(),
		hashPasswordCommand(),
		checkUsersCommand(),
		healthcheckCommand(),
	)

	return cmd
}
