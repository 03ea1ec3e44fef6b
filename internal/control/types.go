// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package control

import (
	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/logbus"
	"github.com/deskpet/deskpet/internal/observability"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Running       bool                     `json:"running"`
	PID           int                      `json:"pid"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Component     string                   `json:"component,omitempty"`
	Backends      int                      `json:"backends"`
	Host          *observability.HostStats `json:"host,omitempty"`
}

// ShutdownResponse is returned by POST /shutdown.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string                   `json:"error"`
	Code   string                   `json:"code,omitempty"`
	Reload *backend.HotReloadResult `json:"reload,omitempty"`
}

// LoadRequest is the body of POST /backends/{id} and POST /backends/{id}/reload.
type LoadRequest struct {
	Path string `json:"path"`
}

// CallResponse is returned by POST /backends/{id}/call/{function}.
type CallResponse struct {
	Result string `json:"result"`
}

// BackendHealth is returned by GET /backends/{id}/health.
type BackendHealth struct {
	Healthy   bool `json:"healthy"`
	CanReload bool `json:"can_reload"`
}

// LogLevelRequest is the body of PUT /backends/{id}/log-level.
type LogLevelRequest struct {
	Level string `json:"level"`
}

// Event types sent on the /events stream.
const (
	EventLog     = "log"
	EventMetrics = "metrics"
)

// Event is one message on the /events websocket.
type Event struct {
	Type    string            `json:"type"`
	Log     *logbus.Entry     `json:"log,omitempty"`
	Metrics []backend.Metrics `json:"metrics,omitempty"`
}
