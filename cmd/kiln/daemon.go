// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/bureau-foundation/kiln/lib/store"
	"github.com/bureau-foundation/kiln/sandbox"
)

// metricsShutdownTimeout bounds the graceful stop of the metrics server.
const metricsShutdownTimeout = 5 * time.Second

func newDaemonCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the zygote and maintain the store until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, logger, err := global.environment("daemon")
			if err != nil {
				return err
			}

			capabilities := sandbox.DetectCapabilities()
			if !capabilities.CanRunSandbox() {
				return fmt.Errorf("sandboxes unavailable: %s", capabilities.SkipReason())
			}
			if !capabilities.HelpersAvailable() && settings.Sandbox.UserNamespace.UseHelpers {
				return errors.New("sandbox.user_namespace.use_helpers is set but newuidmap/newgidmap were not found")
			}

			controller, err := sandbox.StartZygote(settings, logger)
			if err != nil {
				return err
			}
			contentStore, err := openStore(settings, controller, logger)
			if err != nil {
				return multierr.Append(err, controller.Close())
			}
			logger.Info("daemon started",
				"zygote_pid", controller.ZygotePID(),
				"store", contentStore.Layout().FilesDir,
				"hash", contentStore.Algorithm(),
			)

			return runDaemon(cmd.Context(), contentStore, settings.Metrics.Address, settings.Store.SweepInterval, settings.Store.SweepMinAge, logger)
		},
	}
}

// runDaemon serves metrics and sweeps the store until ctx ends, then
// shuts the zygote down.
func runDaemon(ctx context.Context, contentStore *store.Store, metricsAddress string, sweepInterval, sweepMinAge time.Duration, logger *slog.Logger) error {
	var server *http.Server
	serverErrors := make(chan error, 1)
	if metricsAddress != "" {
		listener, err := net.Listen("tcp", metricsAddress)
		if err != nil {
			return multierr.Append(fmt.Errorf("metrics listener: %w", err), closeController(contentStore))
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		logger.Info("serving metrics", "address", listener.Addr().String())
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()
	}

	var ticks <-chan time.Time
	if sweepInterval > 0 {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping")
			break loop
		case err := <-serverErrors:
			runErr = fmt.Errorf("metrics server: %w", err)
			break loop
		case <-ticks:
			if _, err := contentStore.Sweep(sweepMinAge); err != nil {
				logger.Warn("store sweep failed", "error", err)
			}
		}
	}

	if server != nil {
		shutdownContext, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		runErr = multierr.Append(runErr, server.Shutdown(shutdownContext))
		cancel()
	}
	return multierr.Append(runErr, closeController(contentStore))
}

func closeController(contentStore *store.Store) error {
	err := contentStore.WithController(func(controller *sandbox.Controller) error {
		return controller.Close()
	})
	if errors.Is(err, store.ErrNoController) {
		return nil
	}
	return err
}
