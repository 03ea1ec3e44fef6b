// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend

import (
	"strings"

	"github.com/deskpet/deskpet/internal/ffi"
)

// SymbolPrefix is prepended to every exported backend symbol.
const SymbolPrefix = "plugin_"

// Optional lifecycle symbols. Command functions are exported as
// SymbolPrefix + command name.
const (
	SymInit         = "plugin_init"
	SymCleanup      = "plugin_cleanup"
	SymFreeString   = "plugin_free_string"
	SymGetVersion   = "plugin_get_version"
	SymGetCommands  = "plugin_get_commands"
	SymGetMetrics   = "plugin_get_metrics"
	SymSaveState    = "plugin_save_state"
	SymRestoreState = "plugin_restore_state"
	SymHealthCheck  = "plugin_health_check"
	SymCanUnload    = "plugin_can_unload"
	SymCanReload    = "plugin_can_reload"
	SymSetLogLevel  = "plugin_set_log_level"
)

// reservedFunctions cannot be invoked through Call; they are reached via
// their dedicated operations.
var reservedFunctions = map[string]bool{
	"init": true, "cleanup": true, "free_string": true, "get_version": true,
	"get_commands": true, "get_metrics": true, "save_state": true,
	"restore_state": true, "health_check": true, "can_unload": true,
	"can_reload": true, "set_log_level": true,
}

// capabilities holds the optional functions a library exported, resolved
// once at load time. A nil field means the capability is absent.
type capabilities struct {
	init         ffi.VoidFunc
	cleanup      ffi.VoidFunc
	freeString   ffi.FreeFunc
	getVersion   ffi.PtrFunc
	getCommands  ffi.PtrFunc
	getMetrics   ffi.PtrFunc
	saveState    ffi.PtrFunc
	restoreState ffi.StringBoolFunc
	healthCheck  ffi.BoolFunc
	canUnload    ffi.BoolFunc
	canReload    ffi.BoolFunc
	setLogLevel  ffi.StringFunc
}

// probeCapabilities binds every optional symbol the library exports and
// returns the short names of those present.
func probeCapabilities(lib ffi.Library) (capabilities, []string) {
	var c capabilities
	var present []string
	bind := func(fnPtr any, symbol string) {
		if err := lib.Bind(fnPtr, symbol); err == nil {
			present = append(present, strings.TrimPrefix(symbol, SymbolPrefix))
		}
	}

	bind(&c.init, SymInit)
	bind(&c.cleanup, SymCleanup)
	bind(&c.freeString, SymFreeString)
	bind(&c.getVersion, SymGetVersion)
	bind(&c.getCommands, SymGetCommands)
	bind(&c.getMetrics, SymGetMetrics)
	bind(&c.saveState, SymSaveState)
	bind(&c.restoreState, SymRestoreState)
	bind(&c.healthCheck, SymHealthCheck)
	bind(&c.canUnload, SymCanUnload)
	bind(&c.canReload, SymCanReload)
	bind(&c.setLogLevel, SymSetLogLevel)
	return c, present
}

func validFunctionName(name string) bool {
	if name == "" || reservedFunctions[name] {
		return false
	}
	for _, r := range name {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
