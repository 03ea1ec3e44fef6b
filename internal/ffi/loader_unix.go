// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

//go:build darwin || linux || freebsd || netbsd

package ffi

import (
	"sync"

	"github.com/ebitengine/purego"
	"github.com/samber/oops"
)

type nativeLibrary struct {
	path string

	mu     sync.Mutex
	handle uintptr
	closed bool
}

func openNative(path string) (Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, oops.In("ffi").With("path", path).Wrapf(err, "dlopen")
	}
	return &nativeLibrary{path: path, handle: handle}, nil
}

func (l *nativeLibrary) Path() string { return l.path }

func (l *nativeLibrary) Bind(fnPtr any, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLibraryClosed
	}
	addr, err := purego.Dlsym(l.handle, symbol)
	if err != nil || addr == 0 {
		return oops.In("ffi").With("path", l.path).With("symbol", symbol).Wrapf(ErrSymbolNotFound, "%s", symbol)
	}
	purego.RegisterFunc(fnPtr, addr)
	return nil
}

func (l *nativeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := purego.Dlclose(l.handle); err != nil {
		return oops.In("ffi").With("path", l.path).Wrapf(err, "dlclose")
	}
	return nil
}
