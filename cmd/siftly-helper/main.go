// siftly-helper is the privileged daemon. It owns the worker process
// and accepts lifecycle commands from the console user over the local
// helper socket. It is installed by the app's installer and runs as
// root; it must never be reachable off-host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victor-siu/siftly-mac/internal/ipc"
	"github.com/victor-siu/siftly-mac/internal/logger"
	"github.com/victor-siu/siftly-mac/internal/procmgr"
	"github.com/victor-siu/siftly-mac/internal/validate"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		socketPath string
		logFile    string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "siftly-helper",
		Short:         "Privileged worker supervisor for Siftly",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(socketPath, logFile, logLevel)
		},
	}
	root.Flags().StringVar(&socketPath, "socket", ipc.DefaultSocketPath, "helper socket path")
	root.Flags().StringVar(&logFile, "log-file", "", "log to this file (rotated) instead of stderr")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the helper version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return root
}

func run(socketPath, logFile, logLevel string) error {
	log := logger.Setup(logger.Config{File: logFile, Level: logLevel})

	mgr := procmgr.New(log)
	mgr.SetExitCallback(func(err error) {
		// Passive child-death observation. The unprivileged supervisor
		// learns about it on its next status poll.
		if err != nil {
			log.Warn("worker died", "error", err)
		}
	})

	srv := ipc.NewServer(socketPath, validate.Default(), mgr, log)
	if err := srv.Listen(); err != nil {
		return err
	}

	// Fail fast on termination: unlink the socket and exit. Every
	// connection is a single bounded round trip already covered by the
	// client-side timeout, so there is nothing worth draining.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	err := srv.Serve(ctx)
	log.Info("helper shutting down")
	return err
}
