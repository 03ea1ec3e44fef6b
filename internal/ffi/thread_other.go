// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

//go:build !linux && !windows

package ffi

// ThreadID returns "" where the platform offers no portable thread id.
func ThreadID() string {
	return ""
}
