// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deskpet/deskpet/internal/logbus"
)

// HotReload replaces backend id with the library at path. The backend's
// state is saved before the old library is unloaded and handed to the new
// one after it loads. If the new library fails to load, the previous
// library is loaded again from its original path and given back its state.
//
// The returned error is non-nil exactly when the result reports failure.
func (r *Registry) HotReload(ctx context.Context, id, path string) (res HotReloadResult, err error) {
	ctx, span := tracer.Start(ctx, "backend.hot_reload", trace.WithAttributes(pluginAttr(id), pathAttr(path)))
	defer func() {
		span.SetAttributes(
			attribute.Bool("reload.success", res.Success),
			attribute.Int64("reload.time_ms", int64(res.ReloadTimeMs)),
		)
		endSpan(span, &err)
	}()

	if err := r.lockStructure(ctx, id); err != nil {
		return HotReloadResult{PluginID: id, Error: err.Error()}, err
	}
	defer r.unlockStructure()

	if r.isClosed() {
		err := errBuilder(CodeRegistryClosed, id).Wrap(ErrRegistryClosed)
		return HotReloadResult{PluginID: id, Error: err.Error()}, err
	}
	return r.hotReloadLocked(id, path)
}

// Restart reloads backend id from the path it was loaded from.
func (r *Registry) Restart(ctx context.Context, id string) (res HotReloadResult, err error) {
	ctx, span := tracer.Start(ctx, "backend.restart", trace.WithAttributes(pluginAttr(id)))
	defer endSpan(span, &err)

	if err := r.lockStructure(ctx, id); err != nil {
		return HotReloadResult{PluginID: id, Error: err.Error()}, err
	}
	defer r.unlockStructure()

	rec := r.lookup(id)
	if rec == nil {
		err := r.fail(id, "restart_backend", errBuilder(CodeNotLoaded, id).Wrapf(ErrNotLoaded, "backend %q", id))
		return HotReloadResult{PluginID: id, Error: err.Error()}, err
	}
	r.emit(id, logbus.LevelInfo, "restart_backend", "Restarting backend")
	return r.hotReloadLocked(id, rec.path)
}

func (r *Registry) hotReloadLocked(id, path string) (HotReloadResult, error) {
	start := r.now()
	res := HotReloadResult{PluginID: id}

	finish := func(err error) (HotReloadResult, error) {
		elapsed := r.now().Sub(start)
		res.ReloadTimeMs = uint64(elapsed.Milliseconds())
		r.recorder.ReloadObserved(id, err == nil, elapsed)
		if err != nil {
			res.Error = err.Error()
			return res, r.fail(id, "hot_reload", err)
		}
		res.Success = true
		r.emit(id, logbus.LevelInfo, "hot_reload", fmt.Sprintf("Hot reload completed in %dms (%s)",
			res.ReloadTimeMs, describeVersionChange(res.OldVersion, res.NewVersion)))
		return res, nil
	}

	r.emit(id, logbus.LevelInfo, "hot_reload", "Starting hot reload from: "+path)

	old := r.lookup(id)
	if old == nil {
		return finish(errBuilder(CodeNotLoaded, id).Wrapf(ErrNotLoaded, "backend %q", id))
	}
	res.OldVersion = old.version

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return finish(errBuilder(CodeLibraryNotFound, id).With("path", path).
				Wrapf(ErrLibraryNotFound, "library not found: %s", path))
		}
		return finish(errBuilder(CodeLoadFailure, id).With("path", path).
			Wrapf(fmt.Errorf("%w: %w", ErrLoadFailure, err), "cannot access %s", path))
	}

	prev := old.setStatus(StatusReloading)
	blob, haveState := r.saveState(old)

	if err := r.unloadLocked(id); err != nil {
		old.setStatus(prev)
		return finish(err)
	}

	if r.restartGrace > 0 {
		time.Sleep(r.restartGrace)
	}

	if err := r.loadLocked(id, path); err != nil {
		if rbErr := r.loadLocked(id, old.path); rbErr == nil {
			res.RolledBack = true
			if haveState {
				r.restoreState(r.lookup(id), blob)
			}
			r.emit(id, logbus.LevelWarn, "hot_reload", "Reload failed; previous library restored from: "+old.path)
		} else {
			r.emit(id, logbus.LevelError, "hot_reload", "Reload failed and previous library could not be restored; backend is no longer loaded")
		}
		return finish(err)
	}

	fresh := r.lookup(id)
	if haveState {
		r.restoreState(fresh, blob)
	}
	res.NewVersion = fresh.version
	return finish(nil)
}

// saveState asks rec for its state blob. It reports false when the
// backend has no save_state capability or returned null.
func (r *Registry) saveState(rec *record) (string, bool) {
	if rec.caps.saveState == nil {
		r.emit(rec.id, logbus.LevelDebug, "save_state", "Backend does not support state saving")
		return "", false
	}

	var blob string
	var got bool
	onForeignThread(func() {
		if p := rec.caps.saveState(); p != nil {
			blob, got = rec.takeString(p), true
		}
	})
	if !got {
		r.emit(rec.id, logbus.LevelDebug, "save_state", "Backend returned no state")
		return "", false
	}

	rec.setSavedState(&blob)
	r.emit(rec.id, logbus.LevelDebug, "save_state", fmt.Sprintf("Saved backend state (%d bytes)", len(blob)))
	return blob, true
}

// restoreState hands blob to rec. Failures are logged and do not fail the
// surrounding reload.
func (r *Registry) restoreState(rec *record, blob string) {
	if rec == nil {
		return
	}
	rec.setSavedState(&blob)
	if rec.caps.restoreState == nil {
		r.emit(rec.id, logbus.LevelWarn, "restore_state", "Backend does not support state restore; saved state discarded")
		return
	}
	if strings.IndexByte(blob, 0) >= 0 {
		r.emit(rec.id, logbus.LevelWarn, "restore_state", "Saved state contains a NUL byte and cannot be restored")
		return
	}

	var ok bool
	onForeignThread(func() { ok = rec.caps.restoreState(blob) })
	if !ok {
		rec.setLastError("failed to restore state")
		r.emit(rec.id, logbus.LevelWarn, "restore_state", "Failed to restore state")
		return
	}
	r.emit(rec.id, logbus.LevelDebug, "restore_state", "State restored")
}

// describeVersionChange renders an old -> new version transition.
func describeVersionChange(oldVersion, newVersion string) string {
	if oldVersion == "" {
		oldVersion = UnknownVersion
	}
	if newVersion == "" {
		newVersion = UnknownVersion
	}
	ov, errOld := semver.NewVersion(oldVersion)
	nv, errNew := semver.NewVersion(newVersion)
	if errOld != nil || errNew != nil {
		return oldVersion + " -> " + newVersion
	}
	switch {
	case nv.GreaterThan(ov):
		return fmt.Sprintf("upgrade %s -> %s", ov, nv)
	case nv.LessThan(ov):
		return fmt.Sprintf("downgrade %s -> %s", ov, nv)
	default:
		return "same version " + nv.String()
	}
}
