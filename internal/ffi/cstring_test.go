// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package ffi

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cbuf(s string) unsafe.Pointer {
	b := append([]byte(s), 0)
	return unsafe.Pointer(&b[0])
}

func TestGoString(t *testing.T) {
	tests := []struct {
		name string
		ptr  unsafe.Pointer
		want string
	}{
		{"nil pointer", nil, ""},
		{"empty buffer", cbuf(""), ""},
		{"ascii", cbuf("pong"), "pong"},
		{"utf8", cbuf("héllo wörld"), "héllo wörld"},
		{"invalid utf8 replaced", cbuf("a\xffb"), "a\uFFFDb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GoString(tt.ptr))
		})
	}
}

func TestForeignStringTakeFreesOnce(t *testing.T) {
	var freed []unsafe.Pointer
	free := FreeFunc(func(p unsafe.Pointer) { freed = append(freed, p) })
	p := cbuf("payload")

	s := Own(p, free)
	require.NotNil(t, s)
	assert.Equal(t, "payload", s.Take())
	assert.Equal(t, "", s.Take())

	require.Len(t, freed, 1)
	assert.Equal(t, p, freed[0])
}

func TestForeignStringWithoutFreeLeaks(t *testing.T) {
	s := Own(cbuf("kept"), nil)
	assert.Equal(t, "kept", s.Take())
}

func TestOwnNilPointer(t *testing.T) {
	called := false
	s := Own(nil, func(unsafe.Pointer) { called = true })
	assert.Nil(t, s)
	assert.Equal(t, "", s.Take())
	assert.False(t, called)
}

func TestReadCommandTable(t *testing.T) {
	table := []unsafe.Pointer{
		cbuf("ping"), cbuf("Reply with pong"),
		cbuf("echo"), nil,
		nil, nil,
	}

	entries := ReadCommandTable(unsafe.Pointer(&table[0]))

	assert.Equal(t, []CommandEntry{
		{Name: "ping", Description: "Reply with pong"},
		{Name: "echo", Description: ""},
	}, entries)
}

func TestReadCommandTableNil(t *testing.T) {
	assert.Nil(t, ReadCommandTable(nil))
}
