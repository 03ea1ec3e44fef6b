// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

//go:build windows

package ffi

import (
	"strconv"

	"golang.org/x/sys/windows"
)

// ThreadID returns the id of the calling OS thread.
func ThreadID() string {
	return strconv.FormatUint(uint64(windows.GetCurrentThreadId()), 10)
}
