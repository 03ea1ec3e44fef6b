// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend

import (
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/deskpet/deskpet/internal/ffi"
)

// record is one loaded backend. Its library stays mapped until the
// registry retires the record and the last in-flight call releases it.
type record struct {
	id       string
	path     string
	lib      ffi.Library
	caps     capabilities
	capNames []string
	version  string
	commands []Command
	loadedAt time.Time

	// refs guards the library lifetime.
	refMu   sync.Mutex
	refs    int
	retired bool
	closed  bool

	// metricsBusy is held from the start of a plugin_get_metrics call until
	// it returns, even when the poller stopped waiting.
	metricsBusy atomic.Bool

	// mu guards everything below.
	mu          sync.Mutex
	funcs       map[string]ffi.CallFunc
	calls       map[string]uint64
	lastError   string
	status      Status
	memoryUsage uint64
	cpuTimeMs   uint64
	savedState  *string
}

func newRecord(id, path string, lib ffi.Library, loadedAt time.Time) *record {
	return &record{
		id:       id,
		path:     path,
		lib:      lib,
		loadedAt: loadedAt,
		version:  UnknownVersion,
		funcs:    make(map[string]ffi.CallFunc),
		calls:    make(map[string]uint64),
		status:   StatusRunning,
	}
}

// acquire takes a reference for the duration of a foreign call. It fails
// once the record has been retired.
func (r *record) acquire() bool {
	r.refMu.Lock()
	defer r.refMu.Unlock()
	if r.retired {
		return false
	}
	r.refs++
	return true
}

// release drops a reference and closes the library if the record was
// retired and this was the last one.
func (r *record) release() error {
	r.refMu.Lock()
	r.refs--
	closeNow := r.retired && r.refs == 0 && !r.closed
	if closeNow {
		r.closed = true
	}
	r.refMu.Unlock()

	if closeNow {
		return r.lib.Close()
	}
	return nil
}

// retire rejects further calls and closes the library once idle. It
// reports whether the library was closed immediately.
func (r *record) retire() (bool, error) {
	r.refMu.Lock()
	if r.retired {
		r.refMu.Unlock()
		return false, nil
	}
	r.retired = true
	closeNow := r.refs == 0 && !r.closed
	if closeNow {
		r.closed = true
	}
	r.refMu.Unlock()

	if closeNow {
		return true, r.lib.Close()
	}
	return false, nil
}

func (r *record) inFlight() int {
	r.refMu.Lock()
	defer r.refMu.Unlock()
	return r.refs
}

// function resolves and caches plugin_<name>.
func (r *record) function(name string) (ffi.CallFunc, error) {
	r.mu.Lock()
	fn, ok := r.funcs[name]
	r.mu.Unlock()
	if ok {
		return fn, nil
	}

	if err := r.lib.Bind(&fn, SymbolPrefix+name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
	return fn, nil
}

// countCall records one invocation of function. Any error is kept as the
// last error; a failure inside the foreign function also flags the
// backend's status until the next successful call.
func (r *record) countCall(function string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[function]++
	if err != nil {
		r.lastError = err.Error()
		if errors.Is(err, ErrForeignCall) && r.status == StatusRunning {
			r.status = StatusError
		}
		return
	}
	if r.status == StatusError {
		r.status = StatusRunning
	}
}

func (r *record) setStatus(s Status) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.status
	r.status = s
	return prev
}

func (r *record) setLastError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = msg
}

func (r *record) setSavedState(blob *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedState = blob
}

func (r *record) getSavedState() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.savedState == nil {
		return "", false
	}
	return *r.savedState, true
}

// applySelfReport replaces memory and cpu figures and merges per-function
// counts additively.
func (r *record) applySelfReport(report selfReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memoryUsage = report.MemoryUsage
	r.cpuTimeMs = report.CPUTimeMs
	for fn, n := range report.FunctionCalls {
		r.calls[fn] += n
	}
}

func (r *record) snapshot(now time.Time) Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	uptime := now.Sub(r.loadedAt)
	if uptime < 0 {
		uptime = 0
	}
	return Metrics{
		PluginID:      r.id,
		MemoryUsage:   r.memoryUsage,
		CPUTimeMs:     r.cpuTimeMs,
		FunctionCalls: maps.Clone(r.calls),
		LastError:     r.lastError,
		UptimeMs:      uint64(uptime.Milliseconds()),
		Status:        r.status,
	}
}

func (r *record) info() Info {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()
	return Info{
		ID:           r.id,
		Path:         r.path,
		Version:      r.version,
		LoadedAt:     r.loadedAt,
		Capabilities: append([]string(nil), r.capNames...),
		Commands:     append([]Command(nil), r.commands...),
		Status:       status,
	}
}

// takeString copies and frees a string the library returned.
func (r *record) takeString(p unsafe.Pointer) string {
	return ffi.Own(p, r.caps.freeString).Take()
}
