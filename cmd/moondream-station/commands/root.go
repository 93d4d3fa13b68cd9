// Package commands implements the moondream-station binary's cobra
// command tree: one newXCmd() per subcommand, wired together in
// Execute.
package commands

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:           "moondream-station",
		Short:         "Moondream Station inference control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.AddCommand(newServeCmd())
	c.AddCommand(newVersionCmd())
	return c
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}
