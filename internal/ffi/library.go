// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package ffi opens native shared libraries and binds their exported C
// symbols to typed Go function values.
package ffi

import (
	"errors"
	"unsafe"
)

// Sentinel errors for library operations.
var (
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrLibraryClosed       = errors.New("library closed")
	ErrUnsupportedPlatform = errors.New("native library loading not supported on this platform")
)

// Function shapes a backend library may export. Every string crosses the
// boundary as a NUL-terminated UTF-8 buffer.
type (
	// VoidFunc takes and returns nothing (init, cleanup).
	VoidFunc func()
	// BoolFunc is a nullary predicate (health_check, can_unload, can_reload).
	BoolFunc func() bool
	// PtrFunc returns a foreign pointer (get_version, get_commands, get_metrics, save_state).
	PtrFunc func() unsafe.Pointer
	// StringFunc takes one string argument (set_log_level).
	StringFunc func(string)
	// StringBoolFunc takes one string argument and reports success (restore_state).
	StringBoolFunc func(string) bool
	// CallFunc is a command entry point: string in, owned string out.
	CallFunc func(string) unsafe.Pointer
	// FreeFunc releases a string the library allocated.
	FreeFunc func(unsafe.Pointer)
)

// Library is an opened native library.
type Library interface {
	// Path returns the filesystem path the library was opened from.
	Path() string
	// Bind resolves symbol and stores a callable in fnPtr, which must be a
	// pointer to one of the function types in this package. It returns an
	// error wrapping ErrSymbolNotFound when the library does not export it.
	Bind(fnPtr any, symbol string) error
	// Close releases the library. Functions bound from it must not be
	// called afterwards.
	Close() error
}

// Opener opens native libraries.
type Opener interface {
	Open(path string) (Library, error)
}

// NativeOpener opens libraries with the platform dynamic loader.
type NativeOpener struct{}

// Open loads the library at path.
func (NativeOpener) Open(path string) (Library, error) {
	return openNative(path)
}

var _ Opener = NativeOpener{}
