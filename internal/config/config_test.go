// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpet/deskpet/internal/config"
	"github.com/deskpet/deskpet/pkg/errutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Runtime.UnloadGrace)
	assert.Equal(t, 200*time.Millisecond, cfg.Runtime.RestartGrace)
	assert.Equal(t, 1000, cfg.LogBus.Buffer)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  format: json
  level: debug
monitor:
  interval: 2s
runtime:
  call_timeout: 30s
plugins:
  dir: /opt/deskpet/plugins
  watch: true
`)
	cfg, err := config.Load(path, newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 4, cfg.Monitor.Concurrency, "keys absent from the file keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Runtime.CallTimeout)
	assert.Equal(t, "/opt/deskpet/plugins", cfg.Plugins.Dir)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, 500*time.Millisecond, cfg.Plugins.Debounce)
}

func TestLoad_ExplicitFlagsWin(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\nlogbus:\n  buffer: 50\n")
	cfg, err := config.Load(path, newFlags(t, "--log-level=warn", "--unload-grace=1s", "--watch"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Runtime.UnloadGrace)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, 50, cfg.LogBus.Buffer, "unset flags do not override the file")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		key  string
	}{
		{"format", "log:\n  format: xml\n", "log.format"},
		{"interval", "monitor:\n  interval: 0s\n", "monitor.interval"},
		{"concurrency", "monitor:\n  concurrency: 0\n", "monitor.concurrency"},
		{"negative grace", "runtime:\n  unload_grace: -1s\n", "runtime.unload_grace"},
		{"buffer", "logbus:\n  buffer: 0\n", "logbus.buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yaml), nil)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, config.CodeInvalidConfig)
			errutil.AssertErrorContext(t, err, "key", tt.key)
		})
	}
}

func TestLoad_InvalidLevelKeepsLevelCode(t *testing.T) {
	_, err := config.Load(writeConfig(t, "log:\n  level: loud\n"), nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "INVALID_LOG_LEVEL")
	errutil.AssertErrorContext(t, err, "key", "log.level")
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := config.Load(writeConfig(t, "log: [\n"), nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.CodeInvalidConfig)
}
