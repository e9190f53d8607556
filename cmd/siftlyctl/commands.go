package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/victor-siu/siftly-mac/internal/ipc"
	"github.com/victor-siu/siftly-mac/internal/protocol"
)

func newStartCmd(socketPath *string) *cobra.Command {
	var binary, configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker through the helper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(*socketPath, protocol.Request{
				Command:    protocol.CommandStart,
				BinaryPath: binary,
				ConfigPath: configPath,
			})
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "worker binary path (inside the app bundle)")
	cmd.Flags().StringVar(&configPath, "config", "", "worker config path")
	_ = cmd.MarkFlagRequired("binary")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newRestartCmd(socketPath *string) *cobra.Command {
	var binary, configPath string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker through the helper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(*socketPath, protocol.Request{
				Command:    protocol.CommandRestart,
				BinaryPath: binary,
				ConfigPath: configPath,
			})
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "worker binary path (inside the app bundle)")
	cmd.Flags().StringVar(&configPath, "config", "", "worker config path")
	_ = cmd.MarkFlagRequired("binary")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newStopCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker through the helper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(*socketPath, protocol.Request{Command: protocol.CommandStop})
		},
	}
}

func newStatusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(*socketPath, protocol.Request{Command: protocol.CommandStatus})
		},
	}
}

// sendCommand performs one round trip and prints a short result line.
// Transport failures get a friendlier message than raw socket errors.
func sendCommand(socketPath string, req protocol.Request) error {
	client := ipc.NewClient(socketPath)
	resp, err := client.Send(req)
	if err != nil {
		if errors.Is(err, ipc.ErrHelperNotInstalled) || errors.Is(err, ipc.ErrConnectionFailed) {
			return fmt.Errorf("helper is not running (install or start siftly-helper): %w", err)
		}
		return err
	}
	if !resp.Success {
		return fmt.Errorf("helper: %s", resp.Message)
	}
	switch {
	case resp.Running != nil && *resp.Running:
		fmt.Printf("worker running, pid %d\n", resp.PID)
	case resp.Running != nil:
		fmt.Println("worker not running")
	default:
		fmt.Println("ok")
	}
	return nil
}
