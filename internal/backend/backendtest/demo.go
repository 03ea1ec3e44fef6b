// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backendtest

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/deskpet/deskpet/internal/ffi"
)

// Demo is a fake backend exporting every optional capability. Its
// commands are:
//
//	ping      replies "pong"
//	echo      replies with its argument
//	set       stores its argument as the plugin state
//	get       replies with the stored state
//	shout     replies with its argument upper-cased
type Demo struct {
	*Library

	mu         sync.Mutex
	state      string
	restored   []string
	logLevels  []string
	metrics    *string
	initCalls  int
	cleanCalls int

	Healthy   atomic.Bool
	Unloading atomic.Bool
	Reloading atomic.Bool
	RestoreOK atomic.Bool
}

// NewDemo builds a demo backend registered at path.
func NewDemo(path, version string) *Demo {
	d := &Demo{Library: NewLibrary(path)}
	d.Healthy.Store(true)
	d.Unloading.Store(true)
	d.Reloading.Store(true)
	d.RestoreOK.Store(true)

	d.WithFree().
		WithVersion(version).
		WithCommandTable(
			ffi.CommandEntry{Name: "ping", Description: "Reply with pong"},
			ffi.CommandEntry{Name: "echo", Description: "Echo the argument"},
			ffi.CommandEntry{Name: "set", Description: "Store state"},
			ffi.CommandEntry{Name: "get", Description: "Read state"},
			ffi.CommandEntry{Name: "shout", Description: "Upper-case the argument"},
		).
		WithCommand("ping", func(string) *string { return Ptr("pong") }).
		WithCommand("echo", func(args string) *string { return Ptr(args) }).
		WithCommand("shout", func(args string) *string { return Ptr(strings.ToUpper(args)) }).
		WithCommand("set", func(args string) *string {
			d.mu.Lock()
			d.state = args
			d.mu.Unlock()
			return Ptr("ok")
		}).
		WithCommand("get", func(string) *string {
			d.mu.Lock()
			defer d.mu.Unlock()
			return Ptr(d.state)
		}).
		WithOwnedString("plugin_save_state", func() *string {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.state == "" {
				return nil
			}
			return Ptr(d.state)
		}).
		WithOwnedString("plugin_get_metrics", func() *string {
			d.mu.Lock()
			defer d.mu.Unlock()
			return d.metrics
		}).
		WithBool("plugin_health_check", d.Healthy.Load).
		WithBool("plugin_can_unload", d.Unloading.Load).
		WithBool("plugin_can_reload", d.Reloading.Load).
		Export("plugin_init", ffi.VoidFunc(func() {
			d.mu.Lock()
			d.initCalls++
			d.mu.Unlock()
		})).
		Export("plugin_cleanup", ffi.VoidFunc(func() {
			d.mu.Lock()
			d.cleanCalls++
			d.mu.Unlock()
		})).
		Export("plugin_restore_state", ffi.StringBoolFunc(func(blob string) bool {
			if !d.RestoreOK.Load() {
				return false
			}
			d.mu.Lock()
			defer d.mu.Unlock()
			d.state = blob
			d.restored = append(d.restored, blob)
			return true
		})).
		Export("plugin_set_log_level", ffi.StringFunc(func(level string) {
			d.mu.Lock()
			d.logLevels = append(d.logLevels, level)
			d.mu.Unlock()
		}))
	return d
}

// SetState replaces the plugin state directly.
func (d *Demo) SetState(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// State returns the plugin state.
func (d *Demo) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Restored returns every blob passed to plugin_restore_state.
func (d *Demo) Restored() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.restored...)
}

// LogLevels returns every level passed to plugin_set_log_level.
func (d *Demo) LogLevels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.logLevels...)
}

// SetMetrics sets the payload plugin_get_metrics returns. Nil makes it
// return null.
func (d *Demo) SetMetrics(payload *string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = payload
}

// InitCalls counts plugin_init invocations.
func (d *Demo) InitCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initCalls
}

// CleanupCalls counts plugin_cleanup invocations.
func (d *Demo) CleanupCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleanCalls
}
