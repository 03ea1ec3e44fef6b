// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes attached to every failure this package returns.
const (
	CodeLibraryNotFound   = "LIBRARY_NOT_FOUND"
	CodeLoadFailure       = "LOAD_FAILURE"
	CodeFunctionNotFound  = "FUNCTION_NOT_FOUND"
	CodeForeignCall       = "FOREIGN_CALL_FAILURE"
	CodeNotReadyToUnload  = "NOT_READY_TO_UNLOAD"
	CodeLockContention    = "LOCK_CONTENTION"
	CodeNotLoaded         = "NOT_LOADED"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeCallDenied        = "CALL_DENIED"
	CodeCallAbandoned     = "CALL_ABANDONED"
	CodeRegistryClosed    = "REGISTRY_CLOSED"
	CodeCapabilityMissing = "CAPABILITY_MISSING"
)

// Sentinel errors for programmatic error checking. Returned errors wrap
// one of these, so errors.Is works through the oops context.
var (
	ErrLibraryNotFound   = errors.New("library not found")
	ErrLoadFailure       = errors.New("library load failed")
	ErrFunctionNotFound  = errors.New("function not found")
	ErrForeignCall       = errors.New("foreign call failed")
	ErrNotReadyToUnload  = errors.New("backend not ready to unload")
	ErrLockContention    = errors.New("registry busy")
	ErrNotLoaded         = errors.New("backend not loaded")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrCallDenied        = errors.New("call denied")
	ErrCallAbandoned     = errors.New("caller stopped waiting")
	ErrRegistryClosed    = errors.New("registry closed")
	ErrCapabilityMissing = errors.New("capability not exported")
)

func errBuilder(code, pluginID string) oops.OopsErrorBuilder {
	return oops.In("backend").Code(code).With("plugin", pluginID)
}
