// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/deskpet/deskpet/internal/backend"
)

// Client talks to a running host over its control socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{DialContext: unixDialer(socketPath)},
		},
	}
}

func unixDialer(socketPath string) func(ctx context.Context, _, _ string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// WaitReady polls /health with exponential backoff until the host answers
// or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	b := retry.WithMaxDuration(timeout, retry.WithCappedDuration(time.Second, retry.NewExponential(25*time.Millisecond)))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if _, err := c.Health(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.In("control").With("socket", c.socketPath).Wrapf(err, "host not reachable")
	}
	return nil
}

// do sends a request and decodes a JSON reply into out, if non-nil. Error
// replies become oops errors carrying the server's code.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://deskpet"+path, body)
	if err != nil {
		return oops.In("control").Wrapf(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return oops.In("control").With("socket", c.socketPath).Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return oops.In("control").With("status", resp.StatusCode).Errorf("%s %s: %s", method, path, resp.Status)
		}
		b := oops.In("control").With("status", resp.StatusCode)
		if e.Code != "" {
			b = b.Code(e.Code)
		}
		if e.Reload != nil {
			b = b.With("reload", *e.Reload)
		}
		return b.Errorf("%s", e.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return oops.In("control").Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

func jsonBody(v any) io.Reader {
	data, _ := json.Marshal(v) //nolint:errchkjson // request types always marshal
	return bytes.NewReader(data)
}

func backendPath(id string, rest ...string) string {
	parts := append([]string{"/backends", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

// Health queries /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	return out, c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// Status queries /status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	return out, c.do(ctx, http.MethodGet, "/status", nil, &out)
}

// Shutdown asks the host to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// Backends lists loaded backends.
func (c *Client) Backends(ctx context.Context) ([]backend.Info, error) {
	var out []backend.Info
	return out, c.do(ctx, http.MethodGet, "/backends", nil, &out)
}

// Info describes one backend.
func (c *Client) Info(ctx context.Context, id string) (backend.Info, error) {
	var out backend.Info
	return out, c.do(ctx, http.MethodGet, backendPath(id), nil, &out)
}

// AllMetrics returns metrics for every backend.
func (c *Client) AllMetrics(ctx context.Context) ([]backend.Metrics, error) {
	var out []backend.Metrics
	return out, c.do(ctx, http.MethodGet, "/backends/metrics", nil, &out)
}

// Load loads the library at path as backend id.
func (c *Client) Load(ctx context.Context, id, path string) (backend.Info, error) {
	var out backend.Info
	return out, c.do(ctx, http.MethodPost, backendPath(id), jsonBody(LoadRequest{Path: path}), &out)
}

// Unload unloads backend id.
func (c *Client) Unload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, backendPath(id), nil, nil)
}

// Call invokes function on backend id.
func (c *Client) Call(ctx context.Context, id, function, args string) (string, error) {
	var out CallResponse
	err := c.do(ctx, http.MethodPost, backendPath(id, "call", url.PathEscape(function)), strings.NewReader(args), &out)
	return out.Result, err
}

// Reload hot reloads backend id from path.
func (c *Client) Reload(ctx context.Context, id, path string) (backend.HotReloadResult, error) {
	var out backend.HotReloadResult
	return out, c.do(ctx, http.MethodPost, backendPath(id, "reload"), jsonBody(LoadRequest{Path: path}), &out)
}

// Restart reloads backend id from its current path.
func (c *Client) Restart(ctx context.Context, id string) (backend.HotReloadResult, error) {
	var out backend.HotReloadResult
	return out, c.do(ctx, http.MethodPost, backendPath(id, "restart"), nil, &out)
}

// Metrics returns backend id's metrics.
func (c *Client) Metrics(ctx context.Context, id string) (backend.Metrics, error) {
	var out backend.Metrics
	return out, c.do(ctx, http.MethodGet, backendPath(id, "metrics"), nil, &out)
}

// BackendHealth runs backend id's health and reload-readiness checks.
func (c *Client) BackendHealth(ctx context.Context, id string) (BackendHealth, error) {
	var out BackendHealth
	return out, c.do(ctx, http.MethodGet, backendPath(id, "health"), nil, &out)
}

// Commands returns backend id's command table.
func (c *Client) Commands(ctx context.Context, id string) ([]backend.Command, error) {
	var out []backend.Command
	return out, c.do(ctx, http.MethodGet, backendPath(id, "commands"), nil, &out)
}

// SetLogLevel changes backend id's log level.
func (c *Client) SetLogLevel(ctx context.Context, id, level string) error {
	return c.do(ctx, http.MethodPut, backendPath(id, "log-level"), jsonBody(LogLevelRequest{Level: level}), nil)
}

// EventStream reads events from /events.
type EventStream struct {
	conn *websocket.Conn
}

// Events opens the event stream. An empty plugin receives every backend's
// log entries.
func (c *Client) Events(ctx context.Context, plugin string, metrics bool) (*EventStream, error) {
	q := url.Values{}
	if plugin != "" {
		q.Set("plugin", plugin)
	}
	if !metrics {
		q.Set("metrics", "false")
	}
	u := url.URL{Scheme: "ws", Host: "deskpet", Path: "/events", RawQuery: q.Encode()}

	dialer := websocket.Dialer{
		NetDialContext:   unixDialer(c.socketPath),
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, oops.In("control").With("socket", c.socketPath).Wrapf(err, "open event stream")
	}
	return &EventStream{conn: conn}, nil
}

// Next blocks for the next event.
func (e *EventStream) Next() (Event, error) {
	var ev Event
	if err := e.conn.ReadJSON(&ev); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("read event: %w", err)
	}
	return ev, nil
}

// Close ends the stream.
func (e *EventStream) Close() error {
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return e.conn.Close()
}
