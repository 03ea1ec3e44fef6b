// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend

import "time"

// Status is the lifecycle state reported in metrics.
type Status string

// Backend statuses.
const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
	StatusReloading Status = "reloading"
)

// Metrics is a point-in-time view of one backend.
type Metrics struct {
	PluginID      string            `json:"plugin_id"`
	MemoryUsage   uint64            `json:"memory_usage"`
	CPUTimeMs     uint64            `json:"cpu_time_ms"`
	FunctionCalls map[string]uint64 `json:"function_calls"`
	LastError     string            `json:"last_error,omitempty"`
	UptimeMs      uint64            `json:"uptime_ms"`
	Status        Status            `json:"status"`
}

// HotReloadResult describes the outcome of a hot reload or restart.
type HotReloadResult struct {
	Success      bool   `json:"success"`
	PluginID     string `json:"plugin_id"`
	OldVersion   string `json:"old_version,omitempty"`
	NewVersion   string `json:"new_version,omitempty"`
	ReloadTimeMs uint64 `json:"reload_time_ms"`
	Error        string `json:"error,omitempty"`
	RolledBack   bool   `json:"rolled_back,omitempty"`
}

// Command is one entry of a backend's self-described command table.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Info describes a loaded backend.
type Info struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Version      string    `json:"version"`
	LoadedAt     time.Time `json:"loaded_at"`
	Capabilities []string  `json:"capabilities"`
	Commands     []Command `json:"commands,omitempty"`
	Status       Status    `json:"status"`
}

// UnknownVersion is reported when a backend does not export get_version.
const UnknownVersion = "unknown"
