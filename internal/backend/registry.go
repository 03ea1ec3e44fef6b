// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package backend loads native plugin backends and dispatches calls into
// them. A Registry owns every loaded library: it resolves the optional
// lifecycle capabilities once at load time, counts calls, collects
// self-reported metrics, and swaps libraries in place on hot reload while
// carrying the plugin's opaque state across.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/deskpet/deskpet/internal/ffi"
	"github.com/deskpet/deskpet/internal/logbus"
)

var tracer = otel.Tracer("deskpet/backend")

// Default grace periods.
const (
	DefaultUnloadGrace  = 100 * time.Millisecond
	DefaultRestartGrace = 200 * time.Millisecond
)

// Recorder receives operational measurements. Implementations must be
// safe for concurrent use.
type Recorder interface {
	BackendLoaded(pluginID string)
	BackendUnloaded(pluginID string)
	CallObserved(pluginID, function string, err error, elapsed time.Duration)
	ReloadObserved(pluginID string, success bool, elapsed time.Duration)
	SelfReported(m Metrics)
}

type noopRecorder struct{}

func (noopRecorder) BackendLoaded(string)                              {}
func (noopRecorder) BackendUnloaded(string)                            {}
func (noopRecorder) CallObserved(string, string, error, time.Duration) {}
func (noopRecorder) ReloadObserved(string, bool, time.Duration)        {}
func (noopRecorder) SelfReported(Metrics)                              {}

// CallPolicy decides whether a function may be dispatched to a backend.
type CallPolicy interface {
	Permits(pluginID, function string) bool
}

// Registry owns the set of loaded backends.
//
// Structural operations (load, unload, reload, restart, close) are
// serialized with each other. Calls, queries and metric polls only take
// the map lock long enough to find and reference a record, so a slow or
// hung foreign call never blocks operations on other backends.
type Registry struct {
	opener       ffi.Opener
	logs         logbus.Publisher
	logger       *slog.Logger
	recorder     Recorder
	policy       CallPolicy
	unloadGrace  time.Duration
	restartGrace time.Duration
	callTimeout  time.Duration
	now          func() time.Time

	structural chan struct{}

	mu      sync.RWMutex
	records map[string]*record
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithOpener sets the library opener. The default uses the platform loader.
func WithOpener(o ffi.Opener) Option { return func(r *Registry) { r.opener = o } }

// WithLogs sets where plugin log entries are published.
func WithLogs(p logbus.Publisher) Option { return func(r *Registry) { r.logs = p } }

// WithLogger sets the logger for host-internal diagnostics.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithRecorder sets the measurement sink.
func WithRecorder(rec Recorder) Option { return func(r *Registry) { r.recorder = rec } }

// WithCallPolicy restricts which functions may be called.
func WithCallPolicy(p CallPolicy) Option { return func(r *Registry) { r.policy = p } }

// WithUnloadGrace sets the pause between cleanup and can_unload.
func WithUnloadGrace(d time.Duration) Option { return func(r *Registry) { r.unloadGrace = d } }

// WithRestartGrace sets the pause between unload and load during reloads.
func WithRestartGrace(d time.Duration) Option { return func(r *Registry) { r.restartGrace = d } }

// WithCallTimeout bounds how long Call waits for a foreign function. Zero
// waits until the caller's context ends.
func WithCallTimeout(d time.Duration) Option { return func(r *Registry) { r.callTimeout = d } }

// WithClock overrides the time source used for uptime and timings.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		opener:       ffi.NativeOpener{},
		logs:         logbus.Discard,
		logger:       slog.Default(),
		recorder:     noopRecorder{},
		unloadGrace:  DefaultUnloadGrace,
		restartGrace: DefaultRestartGrace,
		now:          time.Now,
		structural:   make(chan struct{}, 1),
		records:      make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockStructure(ctx context.Context, pluginID string) error {
	select {
	case r.structural <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errBuilder(CodeLockContention, pluginID).
			Wrapf(fmt.Errorf("%w: %w", ErrLockContention, ctx.Err()), "waiting for registry")
	}
}

func (r *Registry) unlockStructure() { <-r.structural }

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// acquire finds id and takes a call reference on it.
func (r *Registry) acquire(id string) (*record, error) {
	rec := r.lookup(id)
	if rec == nil || !rec.acquire() {
		return nil, errBuilder(CodeNotLoaded, id).Wrapf(ErrNotLoaded, "backend %q", id)
	}
	return rec, nil
}

func (r *Registry) release(rec *record) {
	if err := rec.release(); err != nil {
		r.logger.Warn("closing backend library failed", "plugin", rec.id, "error", err)
	}
}

// emit publishes a plugin log entry.
func (r *Registry) emit(pluginID string, level logbus.Level, function, msg string) {
	r.logs.Publish(logbus.NewEntry(pluginID, level, function, msg))
}

func (r *Registry) emitOnThread(pluginID string, level logbus.Level, function, thread, msg string) {
	e := logbus.NewEntry(pluginID, level, function, msg)
	e.ThreadID = thread
	r.logs.Publish(e)
}

// fail publishes err at error severity and returns it.
func (r *Registry) fail(pluginID, function string, err error) error {
	r.emit(pluginID, logbus.LevelError, function, err.Error())
	return err
}

// onForeignThread runs fn pinned to one OS thread and reports its id.
func onForeignThread(fn func()) string {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	fn()
	return ffi.ThreadID()
}

// runForeign calls fn on a pinned thread while holding the reference the
// caller acquired on rec. If ctx ends first the caller is let go but fn
// keeps running, and the reference is dropped only when fn returns.
func (r *Registry) runForeign(ctx context.Context, rec *record, fn func()) (string, error) {
	done := make(chan string, 1)
	go func() {
		thread := onForeignThread(fn)
		r.release(rec)
		done <- thread
	}()
	select {
	case thread := <-done:
		return thread, nil
	case <-ctx.Done():
		select {
		case thread := <-done:
			return thread, nil
		default:
		}
		return "", ctx.Err()
	}
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

// Load opens the library at path and registers it as id. Loading an id
// that is already registered performs a hot reload from path instead.
func (r *Registry) Load(ctx context.Context, id, path string) (err error) {
	ctx, span := tracer.Start(ctx, "backend.load", trace.WithAttributes(pluginAttr(id), pathAttr(path)))
	defer endSpan(span, &err)

	if id == "" {
		return r.fail(id, "load_backend", errBuilder(CodeInvalidArgument, id).Wrapf(ErrInvalidArgument, "empty plugin id"))
	}
	if err := r.lockStructure(ctx, id); err != nil {
		return err
	}
	defer r.unlockStructure()

	if r.isClosed() {
		return errBuilder(CodeRegistryClosed, id).Wrap(ErrRegistryClosed)
	}
	if r.lookup(id) != nil {
		r.emit(id, logbus.LevelInfo, "load_backend", "Backend already loaded, performing hot reload")
		_, err := r.hotReloadLocked(id, path)
		return err
	}
	return r.loadLocked(id, path)
}

func (r *Registry) loadLocked(id, path string) error {
	r.emit(id, logbus.LevelInfo, "load_backend", "Loading backend from: "+path)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r.fail(id, "load_backend", errBuilder(CodeLibraryNotFound, id).With("path", path).
				Wrapf(ErrLibraryNotFound, "library not found: %s", path))
		}
		return r.fail(id, "load_backend", errBuilder(CodeLoadFailure, id).With("path", path).
			Wrapf(fmt.Errorf("%w: %w", ErrLoadFailure, err), "cannot access %s", path))
	}

	lib, err := r.opener.Open(path)
	if err != nil {
		return r.fail(id, "load_backend", errBuilder(CodeLoadFailure, id).With("path", path).
			Wrapf(fmt.Errorf("%w: %w", ErrLoadFailure, err), "open %s", path))
	}

	rec := newRecord(id, path, lib, r.now())
	rec.caps, rec.capNames = probeCapabilities(lib)
	caps := rec.caps

	if caps.freeString == nil {
		r.emit(id, logbus.LevelWarn, "load_backend", "Backend does not export plugin_free_string; returned strings will be leaked")
	}
	if caps.init != nil {
		thread := onForeignThread(func() { caps.init() })
		r.emitOnThread(id, logbus.LevelDebug, "init", thread, "Backend initialized")
	}
	if caps.getVersion != nil {
		var version string
		onForeignThread(func() { version = ffi.GoString(caps.getVersion()) })
		if version != "" {
			rec.version = version
		}
	}
	if caps.getCommands != nil {
		var entries []ffi.CommandEntry
		onForeignThread(func() { entries = ffi.ReadCommandTable(caps.getCommands()) })
		for _, e := range entries {
			rec.commands = append(rec.commands, Command{Name: e.Name, Description: e.Description})
		}
	}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	r.recorder.BackendLoaded(id)
	r.emit(id, logbus.LevelInfo, "load_backend", fmt.Sprintf("Backend loaded successfully (version %s)", rec.version))
	return nil
}

// Unload runs the backend's cleanup, waits the unload grace period, asks
// whether it can be unloaded, and removes it. Unloading an id that is not
// loaded succeeds without effect. If the backend reports it is busy the
// unload fails with ErrNotReadyToUnload and the backend stays registered.
func (r *Registry) Unload(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "backend.unload", trace.WithAttributes(pluginAttr(id)))
	defer endSpan(span, &err)

	if err := r.lockStructure(ctx, id); err != nil {
		return err
	}
	defer r.unlockStructure()
	return r.unloadLocked(id)
}

func (r *Registry) unloadLocked(id string) error {
	rec := r.lookup(id)
	if rec == nil {
		r.emit(id, logbus.LevelDebug, "unload_backend", "Backend not loaded; nothing to unload")
		return nil
	}

	r.emit(id, logbus.LevelInfo, "unload_backend", "Unloading backend")
	if rec.caps.cleanup != nil {
		thread := onForeignThread(func() { rec.caps.cleanup() })
		r.emitOnThread(id, logbus.LevelDebug, "cleanup", thread, "Backend cleanup completed")
	}

	if r.unloadGrace > 0 {
		time.Sleep(r.unloadGrace)
	}

	if rec.caps.canUnload != nil {
		var ready bool
		onForeignThread(func() { ready = rec.caps.canUnload() })
		if !ready {
			return r.fail(id, "unload_backend", errBuilder(CodeNotReadyToUnload, id).
				Wrapf(ErrNotReadyToUnload, "backend %q reported it cannot be unloaded", id))
		}
	}

	r.evict(rec)
	r.emit(id, logbus.LevelInfo, "unload_backend", "Backend unloaded successfully")
	return nil
}

// evict removes rec from the registry and releases its library once no
// calls are in flight.
func (r *Registry) evict(rec *record) {
	r.mu.Lock()
	if r.records[rec.id] == rec {
		delete(r.records, rec.id)
	}
	r.mu.Unlock()

	closedNow, err := rec.retire()
	if err != nil {
		r.logger.Warn("closing backend library failed", "plugin", rec.id, "error", err)
	}
	if !closedNow {
		r.emit(rec.id, logbus.LevelDebug, "unload_backend",
			fmt.Sprintf("Library release deferred until %d in-flight call(s) finish", rec.inFlight()))
	}
	r.recorder.BackendUnloaded(rec.id)
}

// Close unloads every backend and rejects further loads. Backends that
// refuse to unload are released anyway.
func (r *Registry) Close(ctx context.Context) error {
	if err := r.lockStructure(ctx, ""); err != nil {
		return err
	}
	defer r.unlockStructure()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, id := range r.List() {
		err := r.unloadLocked(id)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNotReadyToUnload) {
			if rec := r.lookup(id); rec != nil {
				r.emit(id, logbus.LevelWarn, "unload_backend", "Backend refused unload during shutdown; releasing anyway")
				r.evict(rec)
			}
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// List returns the ids of loaded backends in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of loaded backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// IsLoaded reports whether id is registered.
func (r *Registry) IsLoaded(id string) bool {
	return r.lookup(id) != nil
}

// Info describes the backend registered as id.
func (r *Registry) Info(id string) (Info, error) {
	rec := r.lookup(id)
	if rec == nil {
		return Info{}, errBuilder(CodeNotLoaded, id).Wrapf(ErrNotLoaded, "backend %q", id)
	}
	return rec.info(), nil
}

// Infos describes every loaded backend, sorted by id.
func (r *Registry) Infos() []Info {
	ids := r.List()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if rec := r.lookup(id); rec != nil {
			out = append(out, rec.info())
		}
	}
	return out
}

// SavedState returns the state blob captured at the backend's last save,
// if any.
func (r *Registry) SavedState(id string) (string, bool) {
	rec := r.lookup(id)
	if rec == nil {
		return "", false
	}
	return rec.getSavedState()
}
