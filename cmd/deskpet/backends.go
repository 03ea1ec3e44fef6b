// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskpet/deskpet/internal/backend"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return abs, nil
}

func newListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List loaded backends",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			infos, err := newClient().Backends(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), formatBackendTable(infos))
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func formatBackendTable(infos []backend.Info) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tLOADED\tPATH")
	for _, info := range infos {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.ID, info.Version, info.Status, info.LoadedAt.Local().Format(time.DateTime), info.Path)
	}
	_ = w.Flush()
	return b.String()
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <id> <library>",
		Short: "Load a backend library",
		Long: `Load a shared library as backend <id>. An already loaded backend with
the same id is unloaded first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := absPath(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			info, err := newClient().Load(ctx, args[0], path)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "loaded %s %s (%s)\n", info.ID, info.Version, strings.Join(info.Capabilities, ", "))
			return err
		},
	}
}

func newUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload <id>",
		Short: "Unload a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := newClient().Unload(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "unloaded %s\n", args[0])
			return err
		},
	}
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <id> <function> [args]",
		Short: "Call a backend function",
		Long: `Call plugin_<function> on backend <id> with a string argument. Pass "-"
as args to read the argument from standard input.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 3 {
				input = args[2]
			}
			if input == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read arguments: %w", err)
				}
				input = string(data)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out, err := newClient().Call(ctx, args[0], args[1], input)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func printReload(w io.Writer, res backend.HotReloadResult) error {
	_, err := fmt.Fprintf(w, "reloaded %s: %s -> %s in %dms\n", res.PluginID, res.OldVersion, res.NewVersion, res.ReloadTimeMs)
	return err
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <id> <library>",
		Short: "Hot reload a backend from a new library",
		Long: `Hot reload backend <id> from <library>, carrying its saved state across.
If the new library cannot be loaded the previous one is restored.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := absPath(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := newClient().Reload(ctx, args[0], path)
			if err != nil {
				return err
			}
			return printReload(cmd.OutOrStdout(), res)
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Reload a backend from its current library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := newClient().Restart(ctx, args[0])
			if err != nil {
				return err
			}
			return printReload(cmd.OutOrStdout(), res)
		},
	}
}

func newMetricsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "metrics [id]",
		Short: "Show backend metrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			client := newClient()

			var all []backend.Metrics
			if len(args) == 1 {
				m, err := client.Metrics(ctx, args[0])
				if err != nil {
					return err
				}
				all = []backend.Metrics{m}
			} else {
				var err error
				if all, err = client.AllMetrics(ctx); err != nil {
					return err
				}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), all)
			}
			_, err := io.WriteString(cmd.OutOrStdout(), formatMetricsTable(all))
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func totalCalls(m backend.Metrics) uint64 {
	var n uint64
	for _, c := range m.FunctionCalls {
		n += c
	}
	return n
}

func formatMetricsTable(all []backend.Metrics) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tUPTIME\tCALLS\tMEMORY\tCPU\tLAST ERROR")
	for _, m := range all {
		lastErr := m.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%dms\t%s\n",
			m.PluginID, m.Status, formatUptime(int64(m.UptimeMs/1000)), totalCalls(m),
			formatBytes(m.MemoryUsage), m.CPUTimeMs, truncateString(lastErr, 40))
	}
	_ = w.Flush()

	for _, m := range all {
		if len(m.FunctionCalls) == 0 {
			continue
		}
		names := make([]string, 0, len(m.FunctionCalls))
		for name := range m.FunctionCalls {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s=%d", name, m.FunctionCalls[name])
		}
		fmt.Fprintf(&b, "%s calls: %s\n", m.PluginID, strings.Join(parts, " "))
	}
	return b.String()
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health <id>",
		Short: "Run a backend's health and reload-readiness checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			h, err := newClient().BackendHealth(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: healthy=%t can_reload=%t\n", args[0], h.Healthy, h.CanReload)
			if err == nil && !h.Healthy {
				return fmt.Errorf("backend %s reported unhealthy", args[0])
			}
			return err
		},
	}
}

func newCommandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands <id>",
		Short: "List the commands a backend describes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			cmds, err := newClient().Commands(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "COMMAND\tDESCRIPTION")
			for _, c := range cmds {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", c.Name, c.Description)
			}
			return w.Flush()
		},
	}
}

func newLogLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-level <id> <level>",
		Short: "Change a backend's log level",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return newClient().SetLogLevel(ctx, args[0], args[1])
		},
	}
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
