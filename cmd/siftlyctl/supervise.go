package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/victor-siu/siftly-mac/internal/config"
	"github.com/victor-siu/siftly-mac/internal/history"
	"github.com/victor-siu/siftly-mac/internal/ipc"
	"github.com/victor-siu/siftly-mac/internal/logger"
	"github.com/victor-siu/siftly-mac/internal/metrics"
	"github.com/victor-siu/siftly-mac/internal/procmgr"
	"github.com/victor-siu/siftly-mac/internal/supervisor"
)

// newSuperviseCmd runs the caller-side control loop in the foreground:
// start the worker per the configuration file, watch it, heal crashes,
// restart on config changes, stop on SIGINT/SIGTERM.
func newSuperviseCmd() *cobra.Command {
	var configPath, metricsAddr string
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the worker supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervise(configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "supervisor configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this loopback address")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func supervise(configPath, metricsAddr string) error {
	src, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg := src.Current()
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	log := logger.Setup(cfg.Log)

	var journal history.Sink
	if cfg.HistoryDSN != "" {
		journal, err = history.NewSQLite(cfg.HistoryDSN)
		if err != nil {
			return fmt.Errorf("open lifecycle journal: %w", err)
		}
		defer func() { _ = journal.Close() }()
	}

	if cfg.MetricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			// Loopback-only observability endpoint for the app itself.
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics endpoint failed", "error", err)
			}
		}()
		defer func() { _ = msrv.Close() }()
	}

	client := ipc.NewClient(cfg.SocketPath)
	sup := supervisor.New(src, client, procmgr.New(log), supervisor.Options{
		Journal: journal,
		Logger:  log,
	})
	defer sup.Close()

	if err := sup.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("stopping worker")
	return sup.Stop()
}
