// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/capability"
	"github.com/deskpet/deskpet/pkg/errutil"
)

var _ backend.CallPolicy = (*capability.Enforcer)(nil)

func TestEnforcer_Permits(t *testing.T) {
	tests := []struct {
		name     string
		grants   []string
		function string
		want     bool
	}{
		{name: "exact match", grants: []string{"ping"}, function: "ping", want: true},
		{name: "exact mismatch", grants: []string{"ping"}, function: "echo", want: false},
		{name: "prefix wildcard", grants: []string{"get_*"}, function: "get_mood", want: true},
		{name: "wildcard does not match other prefix", grants: []string{"get_*"}, function: "set_mood", want: false},
		{name: "alternatives", grants: []string{"{ping,echo}"}, function: "echo", want: true},
		{name: "single char", grants: []string{"shout?"}, function: "shout2", want: true},
		{name: "empty allowlist denies", grants: []string{}, function: "ping", want: false},
		{name: "partial match not allowed", grants: []string{"pin"}, function: "ping", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := capability.NewEnforcer()
			require.NoError(t, e.SetGrants("pet", tt.grants))
			assert.Equal(t, tt.want, e.Permits("pet", tt.function))
		})
	}
}

func TestEnforcer_UnrestrictedByDefault(t *testing.T) {
	var e capability.Enforcer
	assert.True(t, e.Permits("anyone", "ping"))
	assert.False(t, e.Permits("anyone", ""))
	assert.False(t, e.IsRestricted("anyone"))
	assert.Nil(t, e.Grants("anyone"))
}

func TestEnforcer_SetGrantsIsAtomic(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.SetGrants("pet", []string{"ping"}))

	err := e.SetGrants("pet", []string{"echo", "[unclosed"})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "INVALID_PATTERN")
	errutil.AssertErrorContext(t, err, "pattern", "[unclosed")

	assert.Equal(t, []string{"ping"}, e.Grants("pet"))
	assert.False(t, e.Permits("pet", "echo"))
}

func TestEnforcer_RejectsEmptyInputs(t *testing.T) {
	e := capability.NewEnforcer()

	err := e.SetGrants("", []string{"ping"})
	errutil.AssertErrorCode(t, err, "INVALID_ARGUMENT")

	err = e.SetGrants("pet", []string{""})
	errutil.AssertErrorCode(t, err, "INVALID_PATTERN")
	assert.False(t, e.IsRestricted("pet"))
}

func TestEnforcer_RemoveAndList(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.SetGrants("b", []string{"*"}))
	require.NoError(t, e.SetGrants("a", []string{"ping"}))
	assert.Equal(t, []string{"a", "b"}, e.Restricted())

	grants := e.Grants("a")
	grants[0] = "mutated"
	assert.Equal(t, []string{"ping"}, e.Grants("a"))

	e.RemoveGrants("a")
	e.RemoveGrants("never-set")
	assert.Equal(t, []string{"b"}, e.Restricted())
	assert.True(t, e.Permits("a", "anything"))
}
