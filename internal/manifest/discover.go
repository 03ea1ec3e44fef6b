// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package manifest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/deskpet/deskpet/pkg/errutil"
)

// Bundle is a parsed manifest together with the directory it came from.
type Bundle struct {
	Manifest *Manifest
	Dir      string
}

// LibraryPath returns the absolute path of the library for the running
// platform, or "" when the manifest declares none.
func (b Bundle) LibraryPath() string {
	lib := b.Manifest.Library()
	if lib == "" {
		return ""
	}
	return filepath.Join(b.Dir, lib)
}

// Discover reads backend.yaml from each immediate subdirectory of dir.
// Directories without a manifest or with an invalid one are logged and
// skipped. A missing dir yields no bundles.
func Discover(dir string, logger *slog.Logger) ([]Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, oops.In("manifest").With("dir", dir).Wrapf(err, "read plugins directory")
	}

	var bundles []Bundle
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(filepath.Join(pluginDir, FileName)) //nolint:gosec // path built from ReadDir entries
		if err != nil {
			logger.Debug("skipping directory without manifest", "dir", entry.Name(), "error", err)
			continue
		}
		m, err := Parse(data)
		if err != nil {
			errutil.LogError(logger, "skipping backend with invalid manifest", err, "dir", entry.Name())
			continue
		}
		bundles = append(bundles, Bundle{Manifest: m, Dir: pluginDir})
	}
	return bundles, nil
}

// Loader loads a backend library under an id.
type Loader interface {
	Load(ctx context.Context, id, path string) error
}

// GrantSetter records a backend's function allowlist.
type GrantSetter interface {
	SetGrants(pluginID string, patterns []string) error
}

// Autoload loads every bundle that declares a library for the running
// platform. Grants are installed before the library is loaded so the
// allowlist is in force from the first call. Failures are logged and the
// bundle skipped; the loaded bundles are returned.
func Autoload(ctx context.Context, bundles []Bundle, loader Loader, grants GrantSetter, logger *slog.Logger) []Bundle {
	var loaded []Bundle
	for _, b := range bundles {
		id := b.Manifest.ID
		path := b.LibraryPath()
		if path == "" {
			logger.Warn("backend has no library for this platform, skipping", "plugin", id)
			continue
		}

		if grants != nil && b.Manifest.Exports != nil {
			if err := grants.SetGrants(id, b.Manifest.Exports); err != nil {
				errutil.LogError(logger, "invalid export patterns, skipping backend", err, "plugin", id)
				continue
			}
		}

		if err := loader.Load(ctx, id, path); err != nil {
			errutil.LogError(logger, "failed to load backend", err, "plugin", id, "path", path)
			continue
		}
		logger.Info("loaded backend", "plugin", id, "version", b.Manifest.Version, "path", path)
		loaded = append(loaded, b)
	}
	return loaded
}
