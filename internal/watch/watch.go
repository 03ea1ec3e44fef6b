// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package watch hot reloads backends whose library file changes on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/logbus"
	"github.com/deskpet/deskpet/pkg/errutil"
)

// Defaults for Config.
const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultResync   = 2 * time.Second
)

// Target is the registry surface the watcher needs.
type Target interface {
	Infos() []backend.Info
	HotReload(ctx context.Context, id, path string) (backend.HotReloadResult, error)
}

// Config tunes a Watcher.
type Config struct {
	// Debounce is how long a library must stay quiet before it is reloaded.
	Debounce time.Duration
	// Resync is how often the watched set is reconciled with the target.
	Resync time.Duration
	// Filter, when set, limits watching to ids it accepts.
	Filter func(id string) bool
}

// Watcher follows the library files of loaded backends.
type Watcher struct {
	target Target
	cfg    Config
	logs   logbus.Publisher
	logger *slog.Logger
	fs     *fsnotify.Watcher

	mu     sync.Mutex
	paths  map[string]string // library path -> backend id
	dirs   map[string]int    // watched directory -> tracked libraries in it
	timers map[string]*time.Timer

	fire     chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher. logs may be nil.
func New(target Target, cfg Config, logs logbus.Publisher, logger *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Resync <= 0 {
		cfg.Resync = DefaultResync
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("watch").Wrapf(err, "create file watcher")
	}
	return &Watcher{
		target: target,
		cfg:    cfg,
		logs:   logs,
		logger: logger.With("component", "watch"),
		fs:     fsw,
		paths:  make(map[string]string),
		dirs:   make(map[string]int),
		timers: make(map[string]*time.Timer),
		fire:   make(chan string),
		done:   make(chan struct{}),
	}, nil
}

// Watched returns the tracked library paths keyed to backend ids.
func (w *Watcher) Watched() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.paths)
}

// Sync reconciles the watched set with the target's loaded backends.
func (w *Watcher) Sync() error {
	want := make(map[string]string)
	for _, info := range w.target.Infos() {
		if w.cfg.Filter != nil && !w.cfg.Filter(info.ID) {
			continue
		}
		want[filepath.Clean(info.Path)] = info.ID
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for path := range w.paths {
		if _, ok := want[path]; !ok {
			w.untrack(path)
		}
	}
	var firstErr error
	for path, id := range want {
		if err := w.track(path, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Watcher) track(path, id string) error {
	if _, ok := w.paths[path]; ok {
		w.paths[path] = id
		return nil
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return oops.In("watch").With("plugin", id).With("dir", dir).Wrapf(err, "watch library directory")
		}
	}
	w.dirs[dir]++
	w.paths[path] = id
	w.logger.Debug("watching backend library", "plugin", id, "path", path)
	return nil
}

func (w *Watcher) untrack(path string) {
	id := w.paths[path]
	delete(w.paths, path)
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.fs.Remove(dir); err != nil {
			w.logger.Debug("stop watching directory", "dir", dir, "error", err)
		}
	}
	w.logger.Debug("stopped watching backend library", "plugin", id, "path", path)
}

// Start performs an initial Sync and runs the event loop until ctx ends or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	if err := w.Sync(); err != nil {
		errutil.LogError(w.logger, "initial watch sync incomplete", err)
	}
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("library watcher started", "debounce", w.cfg.Debounce)
}

// Stop ends the event loop and releases the underlying watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	resync := time.NewTicker(w.cfg.Resync)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		case path := <-w.fire:
			w.reload(ctx, path)
		case <-resync.C:
			if err := w.Sync(); err != nil {
				errutil.LogError(w.logger, "watch sync failed", err)
			}
		}
	}
}

// handle restarts the debounce timer for tracked libraries that were
// written or replaced.
func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.paths[path]; !ok {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
		select {
		case w.fire <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) reload(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.timers, path)
	id, ok := w.paths[path]
	w.mu.Unlock()
	if !ok {
		return
	}

	w.publish(id, logbus.LevelInfo, fmt.Sprintf("Library %s changed on disk", filepath.Base(path)))
	res, err := w.target.HotReload(ctx, id, path)
	if err != nil {
		errutil.LogError(w.logger, "file-triggered hot reload failed", err, "plugin", id, "path", path)
		w.publish(id, logbus.LevelError, "File-triggered hot reload failed: "+err.Error())
		return
	}
	w.logger.Info("file-triggered hot reload complete",
		"plugin", id, "old_version", res.OldVersion, "new_version", res.NewVersion, "reload_ms", res.ReloadTimeMs)
}

func (w *Watcher) publish(id string, level logbus.Level, msg string) {
	if w.logs == nil {
		return
	}
	e := logbus.NewEntry(id, level, "file_watch", msg)
	e.Source = logbus.SourceSystem
	w.logs.Publish(e)
}
