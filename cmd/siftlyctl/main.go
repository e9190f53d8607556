// siftlyctl is the unprivileged command-line companion: it sends
// one-shot commands to the helper daemon and can run the supervisor
// control loop in the foreground.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/victor-siu/siftly-mac/internal/ipc"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:           "siftlyctl",
		Short:         "Control the Siftly worker through the privileged helper",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", ipc.DefaultSocketPath, "helper socket path")

	root.AddCommand(
		newStartCmd(&socketPath),
		newStopCmd(&socketPath),
		newRestartCmd(&socketPath),
		newStatusCmd(&socketPath),
		newSuperviseCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the siftlyctl version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)
	return root
}
