// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deskpet/deskpet/internal/logbus"
)

// selfReport is the payload a backend's plugin_get_metrics returns.
type selfReport struct {
	MemoryUsage   uint64            `json:"memory_usage"`
	CPUTimeMs     uint64            `json:"cpu_time_ms"`
	FunctionCalls map[string]uint64 `json:"function_calls"`
}

// Metrics returns the current metrics for backend id.
func (r *Registry) Metrics(id string) (Metrics, error) {
	rec := r.lookup(id)
	if rec == nil {
		return Metrics{}, errBuilder(CodeNotLoaded, id).Wrapf(ErrNotLoaded, "backend %q", id)
	}
	return rec.snapshot(r.now()), nil
}

// AllMetrics returns metrics for every loaded backend, sorted by id.
func (r *Registry) AllMetrics() []Metrics {
	now := r.now()
	ids := r.List()
	out := make([]Metrics, 0, len(ids))
	for _, id := range ids {
		if rec := r.lookup(id); rec != nil {
			out = append(out, rec.snapshot(now))
		}
	}
	return out
}

// RefreshMetrics polls backend id's plugin_get_metrics, if exported, and
// folds the report into its metrics. Memory and CPU figures are replaced;
// per-function counts are added to the host's own counters.
func (r *Registry) RefreshMetrics(ctx context.Context, id string) error {
	rec, err := r.acquire(id)
	if err != nil {
		return err
	}
	if rec.caps.getMetrics == nil {
		r.release(rec)
		return nil
	}
	if !rec.metricsBusy.CompareAndSwap(false, true) {
		r.release(rec)
		r.emit(id, logbus.LevelDebug, "get_metrics", "Previous metrics poll has not returned; skipped")
		return nil
	}

	var payload string
	var got bool
	if _, err := r.runForeign(ctx, rec, func() {
		defer rec.metricsBusy.Store(false)
		if p := rec.caps.getMetrics(); p != nil {
			payload, got = rec.takeString(p), true
		}
	}); err != nil {
		return errBuilder(CodeCallAbandoned, id).With("function", "get_metrics").
			Wrapf(fmt.Errorf("%w: %w", ErrCallAbandoned, err), "metrics poll")
	}

	if !got {
		r.emit(id, logbus.LevelWarn, "get_metrics", "Backend returned null metrics")
		return nil
	}

	var report selfReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		r.emit(id, logbus.LevelWarn, "get_metrics", "Failed to parse backend metrics: "+err.Error())
		return nil
	}
	rec.applySelfReport(report)
	r.recorder.SelfReported(rec.snapshot(r.now()))
	return nil
}

// HealthCheck runs backend id's plugin_health_check. A backend without
// the capability is considered healthy.
func (r *Registry) HealthCheck(ctx context.Context, id string) (bool, error) {
	return r.predicate(ctx, id, "health_check", true, func(c capabilities) func() bool { return c.healthCheck })
}

// CanHotReload runs backend id's plugin_can_reload. A backend without the
// capability does not advertise hot reload.
func (r *Registry) CanHotReload(ctx context.Context, id string) (bool, error) {
	return r.predicate(ctx, id, "can_reload", false, func(c capabilities) func() bool { return c.canReload })
}

// predicate runs a nullary backend predicate, answering fallback when the
// backend does not export it.
func (r *Registry) predicate(ctx context.Context, id, function string, fallback bool, pick func(capabilities) func() bool) (bool, error) {
	rec, err := r.acquire(id)
	if err != nil {
		return false, err
	}
	fn := pick(rec.caps)
	if fn == nil {
		r.release(rec)
		return fallback, nil
	}

	var ok bool
	if _, err := r.runForeign(ctx, rec, func() { ok = fn() }); err != nil {
		return false, errBuilder(CodeCallAbandoned, id).With("function", function).
			Wrapf(fmt.Errorf("%w: %w", ErrCallAbandoned, err), "%s", function)
	}
	if !ok {
		r.emit(id, logbus.LevelWarn, function, fmt.Sprintf("Backend reported %s=false", function))
	}
	return ok, nil
}

// SetLogLevel forwards level to backend id's plugin_set_log_level.
func (r *Registry) SetLogLevel(ctx context.Context, id, level string) error {
	if level == "" || strings.IndexByte(level, 0) >= 0 {
		return errBuilder(CodeInvalidArgument, id).Wrapf(ErrInvalidArgument, "invalid log level %q", level)
	}
	rec, err := r.acquire(id)
	if err != nil {
		return err
	}
	if rec.caps.setLogLevel == nil {
		r.release(rec)
		return errBuilder(CodeCapabilityMissing, id).With("function", "set_log_level").
			Wrapf(ErrCapabilityMissing, "backend %q does not support log level changes", id)
	}

	if _, err := r.runForeign(ctx, rec, func() { rec.caps.setLogLevel(level) }); err != nil {
		return errBuilder(CodeCallAbandoned, id).With("function", "set_log_level").
			Wrapf(fmt.Errorf("%w: %w", ErrCallAbandoned, err), "set_log_level")
	}
	r.emit(id, logbus.LevelInfo, "set_log_level", "Log level set to "+level)
	return nil
}

// Commands returns the command table backend id described at load time.
func (r *Registry) Commands(id string) ([]Command, error) {
	rec := r.lookup(id)
	if rec == nil {
		return nil, errBuilder(CodeNotLoaded, id).Wrapf(ErrNotLoaded, "backend %q", id)
	}
	return append([]Command(nil), rec.commands...), nil
}
