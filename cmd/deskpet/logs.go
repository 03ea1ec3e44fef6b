// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/deskpet/deskpet/internal/control"
	"github.com/deskpet/deskpet/internal/logbus"
)

var levelStyles = map[logbus.Level]lipgloss.Style{
	logbus.LevelTrace: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	logbus.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	logbus.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	logbus.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	logbus.LevelError: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
}

// formatEntry renders one log entry on a single line.
func formatEntry(e logbus.Entry) string {
	level := fmt.Sprintf("%-5s", e.Level)
	if style, ok := levelStyles[e.Level]; ok {
		level = style.Render(level)
	}
	where := e.PluginID
	if e.FunctionName != "" {
		where += "/" + e.FunctionName
	}
	return fmt.Sprintf("%s %s [%s] %s", e.Time().Format("15:04:05.000"), level, where, e.Message)
}

func newLogsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "logs [plugin]",
		Short: "Follow plugin log entries",
		Long: `Follow the live plugin log stream. With a plugin id only that backend's
entries are shown. Runs until interrupted or the host stops.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var plugin string
			if len(args) == 1 {
				plugin = args[0]
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return followLogs(ctx, newClient(), plugin, jsonOutput, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print entries as JSON lines")
	return cmd
}

func followLogs(ctx context.Context, client *control.Client, plugin string, jsonOutput bool, w io.Writer) error {
	stream, err := client.Events(ctx, plugin, false)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-done:
		}
	}()
	defer func() { _ = stream.Close() }()

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev.Log == nil {
			continue
		}
		if jsonOutput {
			if err := printJSONLine(w, ev.Log); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintln(w, formatEntry(*ev.Log)); err != nil {
			return err
		}
	}
}
