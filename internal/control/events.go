// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package control

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deskpet/deskpet/internal/backend"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEvents streams log entries and metrics snapshots over a websocket.
//
// Query parameters: plugin restricts log entries to one backend; metrics=false
// suppresses snapshots. Clients never send data; any read error, including
// a close frame, ends the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event stream not configured"})
		return
	}

	plugin := r.URL.Query().Get("plugin")
	// Subscribe before the handshake completes so entries published right
	// after the client connects are not lost.
	sub := s.opts.Logs.Subscribe(plugin)
	defer s.opts.Logs.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer func() { _ = conn.Close() }()

	logger := s.logger.With("subscriber", uuid.NewString(), "plugin_filter", plugin)
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	var snapshots <-chan []backend.Metrics
	if s.opts.Snapshots != nil && r.URL.Query().Get("metrics") != "false" {
		ch, cancel := s.opts.Snapshots.Subscribe()
		defer cancel()
		snapshots = ch
	}

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	send := func(ev Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug("event write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "host shutting down"),
				time.Now().Add(writeWait))
			return
		case <-peerGone:
			return
		case entry, ok := <-sub.C():
			if !ok {
				return
			}
			if !send(Event{Type: EventLog, Log: &entry}) {
				return
			}
		case snapshot := <-snapshots:
			if !send(Event{Type: EventMetrics, Metrics: snapshot}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
