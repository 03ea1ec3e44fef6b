// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package manifest_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpet/deskpet/internal/manifest"
	"github.com/deskpet/deskpet/pkg/errutil"
)

const echoManifest = `
id: echo
version: 1.2.0
description: Replies to pings
libraries:
  linux: libecho.so
  darwin: libecho.dylib
  windows: echo.dll
exports:
  - ping
  - "get_*"
hot-reload: true
`

func TestParse_FullManifest(t *testing.T) {
	m, err := manifest.Parse([]byte(echoManifest))
	require.NoError(t, err)

	assert.Equal(t, "echo", m.ID)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, "libecho.so", m.Libraries.For("linux"))
	assert.Equal(t, "libecho.dylib", m.Libraries.For("darwin"))
	assert.Equal(t, "echo.dll", m.Libraries.For("windows"))
	assert.Empty(t, m.Libraries.For("plan9"))
	assert.Equal(t, []string{"ping", "get_*"}, m.Exports)
	assert.True(t, m.HotReload)
	assert.NotEmpty(t, m.Library())
	require.NotNil(t, m.SemVer())
	assert.Equal(t, uint64(2), m.SemVer().Minor())
}

func TestParse_MinimalManifest(t *testing.T) {
	m, err := manifest.Parse([]byte("id: pet\nversion: 0.1.0\nlibraries:\n  linux: libpet.so\n"))
	require.NoError(t, err)

	assert.Nil(t, m.Exports, "omitted exports leaves the backend unrestricted")
	assert.False(t, m.HotReload)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
		want  string
	}{
		{"empty id", "version: 1.0.0\nlibraries: {linux: a.so}", "id", "must start with a-z"},
		{"uppercase id", "id: Echo\nversion: 1.0.0\nlibraries: {linux: a.so}", "id", "must start with a-z"},
		{"trailing separator", "id: echo-\nversion: 1.0.0\nlibraries: {linux: a.so}", "id", "must start with a-z"},
		{"too long id", "id: " + strings.Repeat("a", 65) + "\nversion: 1.0.0\nlibraries: {linux: a.so}", "id", "64 characters"},
		{"missing version", "id: echo\nlibraries: {linux: a.so}", "version", "version is required"},
		{"bad version", "id: echo\nversion: one\nlibraries: {linux: a.so}", "version", `version "one"`},
		{"no libraries", "id: echo\nversion: 1.0.0", "libraries", "at least one platform library"},
		{"escaping library", "id: echo\nversion: 1.0.0\nlibraries: {linux: ../evil.so}", "libraries.linux", "relative path"},
		{"absolute library", "id: echo\nversion: 1.0.0\nlibraries: {linux: /usr/lib/evil.so}", "libraries.linux", "relative path"},
		{"empty export", "id: echo\nversion: 1.0.0\nlibraries: {linux: a.so}\nexports: ['']", "exports", "cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manifest.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			errutil.AssertErrorCode(t, err, manifest.CodeInvalidManifest)
			errutil.AssertErrorContext(t, err, "field", tt.field)
		})
	}
}

func TestParse_EmptyAndMalformed(t *testing.T) {
	_, err := manifest.Parse(nil)
	errutil.AssertErrorCode(t, err, manifest.CodeInvalidManifest)

	_, err = manifest.Parse([]byte("id: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")
}
