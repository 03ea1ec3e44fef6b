// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/control"
	"github.com/deskpet/deskpet/internal/logbus"
)

// topFlags holds command-line flags for the top command.
type topFlags struct {
	plugin  string
	maxLogs int
}

func newTopCmd() *cobra.Command {
	flags := &topFlags{}
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of backend metrics and logs",
		Long: `Launch an interactive terminal dashboard showing per-backend metrics
snapshots and the tail of the plugin log stream.

Keys: [space] pause, [up/down] select backend, [q] quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTop(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.plugin, "plugin", "", "only tail logs from this backend")
	cmd.Flags().IntVar(&flags.maxLogs, "max-logs", 200, "log entries kept in the tail")
	return cmd
}

func runTop(cmd *cobra.Command, flags *topFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := newClient()
	stream, err := client.Events(ctx, flags.plugin, true)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	// Seed the table so the first frame is not empty until the next poll.
	initial, err := client.AllMetrics(ctx)
	if err != nil {
		return err
	}

	model := newTopModel(stream, flags.maxLogs, client.SocketPath())
	model.metrics = initial
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// eventSource yields stream events; control.EventStream in production.
type eventSource interface {
	Next() (control.Event, error)
}

type eventMsg control.Event

type streamClosedMsg struct{ err error }

func waitForEvent(src eventSource) tea.Cmd {
	return func() tea.Msg {
		ev, err := src.Next()
		if err != nil {
			return streamClosedMsg{err: err}
		}
		return eventMsg(ev)
	}
}

// topModel is the dashboard state.
type topModel struct {
	source      eventSource
	socket      string
	maxLogs     int
	metrics     []backend.Metrics
	logs        []logbus.Entry
	selectedRow int
	paused      bool
	lastUpdate  time.Time
	width       int
	height      int
	err         error
}

func newTopModel(src eventSource, maxLogs int, socket string) topModel {
	if maxLogs < 1 {
		maxLogs = 1
	}
	return topModel{source: src, socket: socket, maxLogs: maxLogs, height: 24, width: 100}
}

func (m topModel) Init() tea.Cmd {
	return waitForEvent(m.source)
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
		case "up", "k":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "down", "j":
			if m.selectedRow < len(m.metrics)-1 {
				m.selectedRow++
			}
		}
		return m, nil

	case eventMsg:
		if !m.paused {
			m.apply(control.Event(msg))
		}
		return m, waitForEvent(m.source)

	case streamClosedMsg:
		if msg.err != nil && !errors.Is(msg.err, io.EOF) {
			m.err = msg.err
		} else {
			m.err = errors.New("host closed the event stream")
		}
		return m, nil
	}
	return m, nil
}

func (m *topModel) apply(ev control.Event) {
	switch ev.Type {
	case control.EventMetrics:
		m.metrics = ev.Metrics
		if m.selectedRow >= len(m.metrics) {
			m.selectedRow = max(len(m.metrics)-1, 0)
		}
		m.lastUpdate = time.Now()
	case control.EventLog:
		if ev.Log == nil {
			return
		}
		m.logs = append(m.logs, *ev.Log)
		if over := len(m.logs) - m.maxLogs; over > 0 {
			m.logs = m.logs[over:]
		}
	}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selectStyle = lipgloss.NewStyle().Background(lipgloss.Color("240"))
	statusStyle = map[backend.Status]lipgloss.Style{
		backend.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		backend.StatusReloading: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		backend.StatusError:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		backend.StatusStopped:   dimStyle,
	}
)

func (m topModel) View() string {
	sections := []string{m.renderHeader(), m.renderMetrics(), m.renderLogs(), m.renderFooter()}
	if m.err != nil {
		sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("196")).
			Render(fmt.Sprintf("Error: %v  (press q to quit)", m.err)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m topModel) renderHeader() string {
	state := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Render("LIVE")
	if m.paused {
		state = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("PAUSED")
	}
	updated := "-"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	line := lipgloss.JoinHorizontal(lipgloss.Left,
		titleStyle.Render("DeskPet"), "  ",
		fmt.Sprintf("Backends: %d | Socket: %s | Updated: %s", len(m.metrics), m.socket, updated), "  ",
		state,
	)
	return lipgloss.JoinVertical(lipgloss.Left, line, dimStyle.Render(strings.Repeat("─", max(m.width, 20))))
}

const metricsRow = "%-20s %-10s %-10s %8s %10s %8s  %s"

func (m topModel) renderMetrics() string {
	if len(m.metrics) == 0 {
		return dimStyle.Render("\n  No backends loaded.\n")
	}
	rows := []string{headerStyle.Render(fmt.Sprintf(metricsRow, "BACKEND", "STATUS", "UPTIME", "CALLS", "MEMORY", "CPU", "LAST ERROR"))}
	for i, bm := range m.metrics {
		status := fmt.Sprintf("%-10s", bm.Status)
		if style, ok := statusStyle[bm.Status]; ok {
			status = style.Render(status)
		}
		lastErr := bm.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		row := fmt.Sprintf("%-20s %s %-10s %8d %10s %6dms  %s",
			truncateString(bm.PluginID, 20), status, formatUptime(int64(bm.UptimeMs/1000)),
			totalCalls(bm), formatBytes(bm.MemoryUsage), bm.CPUTimeMs, truncateString(lastErr, 30))
		if i == m.selectedRow {
			row = selectStyle.Render(row)
		}
		rows = append(rows, row)
	}
	if m.selectedRow < len(m.metrics) {
		rows = append(rows, dimStyle.Render(callBreakdown(m.metrics[m.selectedRow])))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func callBreakdown(bm backend.Metrics) string {
	if len(bm.FunctionCalls) == 0 {
		return "  no calls yet"
	}
	lines := strings.Split(strings.TrimSpace(formatMetricsTable([]backend.Metrics{bm})), "\n")
	return "  " + lines[len(lines)-1]
}

func (m topModel) renderLogs() string {
	// Rows left after header, metrics table and footer.
	room := m.height - len(m.metrics) - 8
	if room < 3 {
		room = 3
	}
	start := max(len(m.logs)-room, 0)
	rows := []string{headerStyle.Render("LOGS")}
	if len(m.logs) == 0 {
		rows = append(rows, dimStyle.Render("  Waiting for plugin activity..."))
	}
	for _, e := range m.logs[start:] {
		rows = append(rows, formatEntry(e))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m topModel) renderFooter() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		dimStyle.Render(strings.Repeat("─", max(m.width, 20))),
		footerStyle.Render("Controls: [Space] Pause/Resume | [↑↓] Select | [q] Quit"),
	)
}
