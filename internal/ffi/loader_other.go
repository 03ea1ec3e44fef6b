// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

//go:build !(darwin || linux || freebsd || netbsd || windows)

package ffi

import "github.com/samber/oops"

func openNative(path string) (Library, error) {
	return nil, oops.In("ffi").With("path", path).Wrap(ErrUnsupportedPlatform)
}
