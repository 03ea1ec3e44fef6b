// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskpet/deskpet/internal/config"
	"github.com/deskpet/deskpet/internal/control"
	"github.com/deskpet/deskpet/internal/xdg"
)

// Global flags available to all subcommands.
var (
	configFile string
	socketPath string
)

// clientTimeout bounds a single request from a client subcommand.
const clientTimeout = 30 * time.Second

// NewRootCmd creates the root command for the DeskPet CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deskpet",
		Short: "DeskPet - native plugin backend host",
		Long: `DeskPet hosts native plugin backends: shared libraries loaded into the
host process, called by name, hot reloaded in place and observed through
metrics and a live log stream.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", xdg.ConfigFile(), "config file path")
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (default: runtime directory)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newLoadCmd())
	cmd.AddCommand(newUnloadCmd())
	cmd.AddCommand(newCallCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newRestartCmd())
	cmd.AddCommand(newMetricsCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newCommandsCmd())
	cmd.AddCommand(newLogLevelCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newTopCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newGenSchemaCmd())

	return cmd
}

// resolveSocket picks the control socket: the --socket flag, then
// control.socket from the config file, then the default path.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := config.Load(configFile, nil); err == nil && cfg.Control.Socket != "" {
		return cfg.Control.Socket
	}
	return control.DefaultSocketPath()
}

func newClient() *control.Client {
	return control.NewClient(resolveSocket())
}

// requestContext bounds a client request by clientTimeout.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, clientTimeout)
}
