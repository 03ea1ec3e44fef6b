// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	out, err := runCLI(t, "--help")
	require.NoError(t, err)

	for _, sub := range []string{
		"serve", "status", "list", "load", "unload", "call", "reload", "restart",
		"metrics", "health", "commands", "log-level", "logs", "top", "validate", "gen-schema",
	} {
		assert.Contains(t, out, sub, "help missing %q command", sub)
	}
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	_, err := runCLI(t, "--config", "/etc/deskpet.yaml", "--socket=/run/dp.sock", "--help")
	require.NoError(t, err)
	assert.Equal(t, "/etc/deskpet.yaml", configFile)
	assert.Equal(t, "/run/dp.sock", socketPath)
	assert.Equal(t, "/run/dp.sock", resolveSocket())
}

func TestRootCommand_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "test-version"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "test-version")
}

func TestServeCommand_RegistersConfigFlags(t *testing.T) {
	cmd := newServeCmd()
	for _, name := range []string{"log-format", "log-level", "metrics-addr", "monitor-interval", "plugins-dir", "watch"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestArgumentValidation(t *testing.T) {
	tests := [][]string{
		{"load", "only-id"},
		{"call", "id"},
		{"unload"},
		{"reload", "id"},
		{"validate"},
	}
	for _, args := range tests {
		_, err := runCLI(t, append([]string{"--socket", "/nonexistent.sock"}, args...)...)
		assert.Error(t, err, "%v", args)
	}
}
