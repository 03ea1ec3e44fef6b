// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package xdg provides XDG Base Directory paths for DeskPet.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "deskpet"

func base(env string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return filepath.Join(append([]string{os.Getenv("HOME")}, fallback...)...)
}

// ConfigDir returns the config directory. Checks XDG_CONFIG_HOME first,
// falls back to ~/.config.
func ConfigDir() string {
	return filepath.Join(base("XDG_CONFIG_HOME", ".config"), appName)
}

// DataDir returns the data directory. Checks XDG_DATA_HOME first, falls
// back to ~/.local/share.
func DataDir() string {
	return filepath.Join(base("XDG_DATA_HOME", ".local", "share"), appName)
}

// StateDir returns the state directory. Checks XDG_STATE_HOME first, falls
// back to ~/.local/state.
func StateDir() string {
	return filepath.Join(base("XDG_STATE_HOME", ".local", "state"), appName)
}

// RuntimeDir returns the runtime directory. Checks XDG_RUNTIME_DIR first,
// falls back to StateDir()/run.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(StateDir(), "run")
}

// PluginsDir is where backend bundles are discovered by default.
func PluginsDir() string {
	return filepath.Join(DataDir(), "plugins")
}

// ConfigFile is the default configuration file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EnsureDir creates a directory and all parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.In("xdg").With("path", path).Wrapf(err, "create directory")
	}
	return nil
}
