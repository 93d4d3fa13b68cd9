package commands

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the control plane's build version, overridable at link time
// with -ldflags "-X .../commands.Version=...".
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the moondream-station version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("moondream-station %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
