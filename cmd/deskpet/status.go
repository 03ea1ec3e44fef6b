// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskpet/deskpet/internal/control"
)

// ProcessStatus holds the status information for the host process.
type ProcessStatus struct {
	Socket        string  `json:"socket"`
	Running       bool    `json:"running"`
	Health        string  `json:"health,omitempty"`
	PID           int     `json:"pid,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
	Backends      int     `json:"backends"`
	RSSBytes      uint64  `json:"rss_bytes,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	timeout    time.Duration
}

func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running host",
		Long:  `Show the health and status of the host behind the control socket.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Second, "how long to wait for the host")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	status := queryProcessStatus(ctx, newClient())

	if cfg.jsonOutput {
		output, err := formatStatusJSON(status)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), output)
		return err
	}
	_, err := fmt.Fprint(cmd.OutOrStdout(), formatStatusTable(status))
	return err
}

// queryProcessStatus asks the host for health and status. Failures are
// reported in the result rather than returned.
func queryProcessStatus(ctx context.Context, client *control.Client) ProcessStatus {
	status := ProcessStatus{Socket: client.SocketPath()}

	if _, err := os.Stat(client.SocketPath()); errors.Is(err, os.ErrNotExist) {
		status.Error = "socket not found"
		return status
	}

	health, err := client.Health(ctx)
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	status.Running = true
	status.Health = health.Status

	resp, err := client.Status(ctx)
	if err != nil {
		// Health succeeded, so the host is up even without details.
		return status
	}
	status.Running = resp.Running
	status.PID = resp.PID
	status.UptimeSeconds = resp.UptimeSeconds
	status.Backends = resp.Backends
	if resp.Host != nil {
		status.RSSBytes = resp.Host.RSSBytes
		status.CPUPercent = resp.Host.CPUPercent
	}
	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status ProcessStatus) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "STATUS\tHEALTH\tPID\tUPTIME\tBACKENDS\tRSS\tCPU")
	if status.Running {
		_, _ = fmt.Fprintf(w, "running\t%s\t%d\t%s\t%d\t%s\t%.1f%%\n",
			status.Health, status.PID, formatUptime(status.UptimeSeconds),
			status.Backends, formatBytes(status.RSSBytes), status.CPUPercent)
	} else {
		reason := "not running"
		if status.Error != "" {
			reason = status.Error
		}
		_, _ = fmt.Fprintf(w, "stopped\t-\t-\t-\t-\t-\t%s\n", reason)
	}

	_ = w.Flush()
	return b.String()
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(status ProcessStatus) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
