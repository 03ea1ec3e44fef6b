// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package capability restricts which exported functions of a backend the
// host may dispatch to.
//
// Patterns use gobwas/glob syntax against the bare function name (without
// the plugin_ prefix):
//   - "ping" matches only ping
//   - "get_*" matches get_status and get_mood
//   - "{ping,echo}" matches either
//
// A backend with no registered allowlist is unrestricted.
package capability

import (
	"slices"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds per-backend function allowlists.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]compiledGrant
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// SetGrants replaces the allowlist for pluginID. Every pattern is compiled
// before any state changes, so an invalid pattern leaves the previous
// allowlist in place. An empty patterns slice denies every function.
func (e *Enforcer) SetGrants(pluginID string, patterns []string) error {
	if pluginID == "" {
		return oops.In("capability").Code("INVALID_ARGUMENT").Errorf("plugin id cannot be empty")
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return oops.In("capability").Code("INVALID_PATTERN").
				With("plugin", pluginID).With("index", i).
				Errorf("empty export pattern")
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return oops.In("capability").Code("INVALID_PATTERN").
				With("plugin", pluginID).With("pattern", pattern).
				Wrapf(err, "compile export pattern")
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// RemoveGrants drops the allowlist for pluginID, making it unrestricted.
func (e *Enforcer) RemoveGrants(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, pluginID)
}

// IsRestricted reports whether pluginID has an allowlist.
func (e *Enforcer) IsRestricted(pluginID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[pluginID]
	return ok
}

// Grants returns a copy of pluginID's patterns, or nil when unrestricted.
func (e *Enforcer) Grants(pluginID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	out := make([]string, len(grants))
	for i, g := range grants {
		out[i] = g.pattern
	}
	return out
}

// Restricted returns the ids that have an allowlist, sorted.
func (e *Enforcer) Restricted() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.grants))
	for id := range e.grants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Permits reports whether function may be dispatched to pluginID.
func (e *Enforcer) Permits(pluginID, function string) bool {
	if function == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[pluginID]
	if !ok {
		return true
	}
	for _, g := range grants {
		if g.glob.Match(function) {
			return true
		}
	}
	return false
}
