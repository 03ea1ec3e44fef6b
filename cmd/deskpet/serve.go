// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/capability"
	"github.com/deskpet/deskpet/internal/config"
	"github.com/deskpet/deskpet/internal/control"
	"github.com/deskpet/deskpet/internal/ffi"
	"github.com/deskpet/deskpet/internal/logbus"
	"github.com/deskpet/deskpet/internal/logging"
	"github.com/deskpet/deskpet/internal/manifest"
	"github.com/deskpet/deskpet/internal/monitor"
	"github.com/deskpet/deskpet/internal/observability"
	"github.com/deskpet/deskpet/internal/watch"
	"github.com/deskpet/deskpet/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// serveDeps holds injectable dependencies for runServe. Zero values use
// the production implementations.
type serveDeps struct {
	opener ffi.Opener
	// ready is closed once every component is serving.
	ready chan<- struct{}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host",
		Long: `Run the plugin host: autoload backends from the plugins directory, poll
their metrics, serve the control socket and, when enabled, the prometheus
endpoint and file-watch hot reload.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd, cfg, serveDeps{})
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runServe runs the host until ctx ends, a signal arrives or a client
// requests shutdown.
func runServe(ctx context.Context, cmd *cobra.Command, cfg config.Config, deps serveDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.Setup("deskpet", version, logging.Options{
		Format: cfg.Log.Format,
		Level:  level,
		Writer: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logs := logbus.New(logbus.WithBuffer(cfg.LogBus.Buffer), logbus.WithMirror(logger.With("component", "plugin")))
	defer logs.Close()

	policy := capability.NewEnforcer()
	regOpts := []backend.Option{
		backend.WithLogs(logs),
		backend.WithLogger(logger),
		backend.WithCallPolicy(policy),
		backend.WithUnloadGrace(cfg.Runtime.UnloadGrace),
		backend.WithRestartGrace(cfg.Runtime.RestartGrace),
		backend.WithCallTimeout(cfg.Runtime.CallTimeout),
	}
	if deps.opener != nil {
		regOpts = append(regOpts, backend.WithOpener(deps.opener))
	}

	var ready atomic.Bool
	var obsServer *observability.Server
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, ready.Load, logger)
		observability.RegisterLogBus(obsServer.Registerer(), logs.Stats)
		regOpts = append(regOpts, backend.WithRecorder(obsServer.Metrics()))
	}
	reg := backend.NewRegistry(regOpts...)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := reg.Close(closeCtx); err != nil {
			errutil.LogError(logger, "error closing backends", err)
		}
	}()

	bundles, err := manifest.Discover(cfg.Plugins.Dir, logger)
	if err != nil {
		errutil.LogError(logger, "backend discovery failed", err, "dir", cfg.Plugins.Dir)
	}
	loaded := manifest.Autoload(ctx, bundles, reg, policy, logger)
	logger.Info("autoload complete", "discovered", len(bundles), "loaded", len(loaded))

	mon := monitor.New(monitor.Config{
		Interval:    cfg.Monitor.Interval,
		Concurrency: cfg.Monitor.Concurrency,
	}, reg, logger)
	mon.Start(ctx)
	defer mon.Stop()

	ctrl := control.NewServer(control.Options{
		SocketPath: cfg.Control.Socket,
		Backends:   reg,
		Logs:       logs,
		Snapshots:  mon,
		Shutdown:   cancel,
		Logger:     logger,
	})
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start control socket: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := ctrl.Stop(stopCtx); err != nil {
			logger.Warn("error stopping control socket", "error", err)
		}
	}()

	if cfg.Plugins.Watch {
		watcher, err := watch.New(reg, watch.Config{
			Debounce: cfg.Plugins.Debounce,
			Filter:   hotReloadFilter(bundles),
		}, logs, logger)
		if err != nil {
			return fmt.Errorf("failed to start library watcher: %w", err)
		}
		watcher.Start(ctx)
		defer func() { _ = watcher.Stop() }()
	}

	if obsServer != nil {
		obsErrs, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrs, "observability", logger)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := obsServer.Stop(stopCtx); err != nil {
				logger.Warn("error stopping observability server", "error", err)
			}
		}()
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	ready.Store(true)
	if deps.ready != nil {
		close(deps.ready)
	}
	cmd.Println("DeskPet host started")
	logger.Info("host ready", "socket", ctrl.SocketPath(), "backends", reg.Len())

	<-ctx.Done()
	ready.Store(false)
	logger.Info("shutting down")
	return nil
}

// hotReloadFilter watches backends whose manifest opts in. Backends loaded
// without a manifest are always watched.
func hotReloadFilter(bundles []manifest.Bundle) func(id string) bool {
	optIn := make(map[string]bool, len(bundles))
	for _, b := range bundles {
		optIn[b.Manifest.ID] = b.Manifest.HotReload
	}
	return func(id string) bool {
		v, ok := optIn[id]
		return !ok || v
	}
}

// monitorServerErrors cancels the host when a background server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
