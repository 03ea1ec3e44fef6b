// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package manifest reads backend.yaml files, which describe a plugin's
// native backend library for each platform.
package manifest

import (
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest file name inside a plugin directory.
const FileName = "backend.yaml"

// CodeInvalidManifest is the oops code for every manifest error.
const CodeInvalidManifest = "INVALID_MANIFEST"

// Manifest represents a backend.yaml file.
type Manifest struct {
	ID          string    `yaml:"id" jsonschema:"pattern=^[a-z]([a-z0-9_-]*[a-z0-9])?$" jsonschema_description:"Backend id used for calls and log entries"`
	Version     string    `yaml:"version" jsonschema_description:"Semantic version of the backend"`
	Description string    `yaml:"description,omitempty"`
	Libraries   Libraries `yaml:"libraries" jsonschema_description:"Library file per platform, relative to the manifest"`
	Exports     []string  `yaml:"exports,omitempty" jsonschema_description:"Glob patterns of functions the host may call; omitted means all"`
	HotReload   bool      `yaml:"hot-reload,omitempty" jsonschema_description:"Reload the backend when its library file changes"`
}

// Libraries maps platforms to library files.
type Libraries struct {
	Linux   string `yaml:"linux,omitempty"`
	Darwin  string `yaml:"darwin,omitempty"`
	Windows string `yaml:"windows,omitempty"`
}

// For returns the library for goos, or "" if none is declared.
func (l Libraries) For(goos string) string {
	switch goos {
	case "linux":
		return l.Linux
	case "darwin":
		return l.Darwin
	case "windows":
		return l.Windows
	default:
		return ""
	}
}

func (l Libraries) all() map[string]string {
	return map[string]string{"linux": l.Linux, "darwin": l.Darwin, "windows": l.Windows}
}

const maxIDLength = 64

var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9_-]*[a-z0-9])?$`)

func invalid() oops.OopsErrorBuilder {
	return oops.In("manifest").Code(CodeInvalidManifest)
}

// Parse parses and validates a backend.yaml document.
func Parse(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, invalid().Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, invalid().Wrapf(err, "invalid YAML")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if !idPattern.MatchString(m.ID) {
		return invalid().With("field", "id").
			Errorf("id %q must start with a-z, contain only a-z, 0-9, '-' or '_', and not end with a separator", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return invalid().With("field", "id").Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Version == "" {
		return invalid().With("field", "version").Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return invalid().With("field", "version").Wrapf(err, "version %q", m.Version)
	}

	declared := 0
	for goos, lib := range m.Libraries.all() {
		if lib == "" {
			continue
		}
		declared++
		if !filepath.IsLocal(lib) {
			return invalid().With("field", "libraries."+goos).
				Errorf("library %q must be a relative path inside the plugin directory", lib)
		}
	}
	if declared == 0 {
		return invalid().With("field", "libraries").Errorf("at least one platform library is required")
	}

	for i, pattern := range m.Exports {
		if pattern == "" {
			return invalid().With("field", "exports").With("index", i).Errorf("export pattern cannot be empty")
		}
	}
	return nil
}

// SemVer returns the parsed version. Validate guarantees it parses.
func (m *Manifest) SemVer() *semver.Version {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil
	}
	return v
}

// Library returns the library declared for the running platform.
func (m *Manifest) Library() string {
	return m.Libraries.For(runtime.GOOS)
}
