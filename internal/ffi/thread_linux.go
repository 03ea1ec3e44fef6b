// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

//go:build linux

package ffi

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// ThreadID returns the kernel id of the calling OS thread.
func ThreadID() string {
	return strconv.Itoa(unix.Gettid())
}
