// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/backend/backendtest"
	"github.com/deskpet/deskpet/internal/ffi"
	"github.com/deskpet/deskpet/internal/logbus"
	"github.com/deskpet/deskpet/pkg/errutil"
)

func TestLoadAndCall(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()

	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	out, err := h.reg.Call(ctx, "demo", "ping", "")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	m, err := h.reg.Metrics("demo")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.FunctionCalls["ping"])
	assert.Equal(t, backend.StatusRunning, m.Status)
	assert.Empty(t, m.LastError)

	assert.Equal(t, 1, d.Frees(), "returned string must go back through plugin_free_string")
	assert.Zero(t, d.Outstanding())
	assert.Zero(t, d.DoubleFrees())
}

func TestLoadRunsInitAndDescribesBackend(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "2.3.4")

	require.NoError(t, h.reg.Load(context.Background(), "demo", d.Path()))

	assert.Equal(t, 1, d.InitCalls())
	info, err := h.reg.Info("demo")
	require.NoError(t, err)
	assert.Equal(t, "2.3.4", info.Version)
	assert.Equal(t, d.Path(), info.Path)
	assert.Contains(t, info.Capabilities, "save_state")
	assert.Contains(t, info.Capabilities, "free_string")
	assert.Len(t, info.Commands, 5)
	assert.Equal(t, backend.Command{Name: "ping", Description: "Reply with pong"}, info.Commands[0])

	cmds, err := h.reg.Commands("demo")
	require.NoError(t, err)
	assert.Equal(t, info.Commands, cmds)
}

func TestLoadMissingLibrary(t *testing.T) {
	h := newHarness(t)
	missing := filepath.Join(t.TempDir(), "nope.so")

	err := h.reg.Load(context.Background(), "ghost", missing)

	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrLibraryNotFound)
	errutil.AssertErrorCode(t, err, backend.CodeLibraryNotFound)
	errutil.AssertErrorDomain(t, err, "backend")
	errutil.AssertErrorContext(t, err, "plugin", "ghost")
	assert.False(t, h.reg.IsLoaded("ghost"))
	assert.Zero(t, h.opener.Attempts(missing), "missing files are rejected before the loader runs")
}

func TestLoadOpenFailure(t *testing.T) {
	h := newHarness(t)
	path := backendtest.TouchFile(t, "broken.so")
	h.opener.Fail(path, errors.New("invalid ELF header"))

	err := h.reg.Load(context.Background(), "broken", path)

	assert.ErrorIs(t, err, backend.ErrLoadFailure)
	errutil.AssertErrorCode(t, err, backend.CodeLoadFailure)
	assert.Contains(t, err.Error(), "invalid ELF header")
	assert.Empty(t, h.reg.List())
}

func TestLoadRejectsEmptyID(t *testing.T) {
	h := newHarness(t)
	err := h.reg.Load(context.Background(), "", "/x.so")
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
}

func TestMinimalBackend(t *testing.T) {
	h := newHarness(t)
	lib := backendtest.NewLibrary(backendtest.TouchFile(t, "min.so"))
	lib.WithCommand("hello", func(args string) *string { return backendtest.Ptr("hi " + args) })
	h.opener.Register(lib)
	ctx := context.Background()

	require.NoError(t, h.reg.Load(ctx, "min", lib.Path()))

	info, err := h.reg.Info("min")
	require.NoError(t, err)
	assert.Equal(t, backend.UnknownVersion, info.Version)
	assert.Empty(t, info.Capabilities)

	out, err := h.reg.Call(ctx, "min", "hello", "bob")
	require.NoError(t, err)
	assert.Equal(t, "hi bob", out)
	assert.Equal(t, 1, lib.Outstanding(), "without plugin_free_string the buffer is leaked, never freed by the host")

	healthy, err := h.reg.HealthCheck(ctx, "min")
	require.NoError(t, err)
	assert.True(t, healthy)

	reloadable, err := h.reg.CanHotReload(ctx, "min")
	require.NoError(t, err)
	assert.False(t, reloadable, "hot reload is not advertised without plugin_can_reload")

	err = h.reg.SetLogLevel(ctx, "min", "debug")
	assert.ErrorIs(t, err, backend.ErrCapabilityMissing)

	require.NoError(t, h.reg.RefreshMetrics(ctx, "min"))
	m, err := h.reg.Metrics("min")
	require.NoError(t, err)
	assert.Zero(t, m.MemoryUsage)
	assert.Equal(t, backend.StatusRunning, m.Status)
}

func TestCallUnknownBackend(t *testing.T) {
	h := newHarness(t)
	sub := h.logs.Subscribe("nobody")

	_, err := h.reg.Call(context.Background(), "nobody", "ping", "")

	assert.ErrorIs(t, err, backend.ErrNotLoaded)
	errutil.AssertErrorCode(t, err, backend.CodeNotLoaded)
	assert.Empty(t, h.reg.List())
	assert.Empty(t, h.reg.AllMetrics())
	for _, e := range drain(sub) {
		assert.Equal(t, logbus.LevelError, e.Level, "only the failure is published: %q", e.Message)
	}
}

func TestCallMissingFunction(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	_, err := h.reg.Call(ctx, "demo", "dance", "")

	assert.ErrorIs(t, err, backend.ErrFunctionNotFound)
	assert.ErrorIs(t, err, ffi.ErrSymbolNotFound)
	errutil.AssertErrorCode(t, err, backend.CodeFunctionNotFound)

	m, _ := h.reg.Metrics("demo")
	assert.Equal(t, uint64(1), m.FunctionCalls["dance"])
	assert.Contains(t, m.LastError, "dance")
	assert.Equal(t, backend.StatusRunning, m.Status)
}

func TestCallNullReturnMarksError(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	d.WithCommand("flaky", func(string) *string { return nil })
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	_, err := h.reg.Call(ctx, "demo", "flaky", "")
	assert.ErrorIs(t, err, backend.ErrForeignCall)
	errutil.AssertErrorCode(t, err, backend.CodeForeignCall)

	m, _ := h.reg.Metrics("demo")
	assert.Equal(t, backend.StatusError, m.Status)
	assert.Contains(t, m.LastError, "returned null")

	_, err = h.reg.Call(ctx, "demo", "ping", "")
	require.NoError(t, err)
	m, _ = h.reg.Metrics("demo")
	assert.Equal(t, backend.StatusRunning, m.Status)
}

func TestCallRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	tests := []struct {
		name     string
		function string
		args     string
	}{
		{"empty function", "", ""},
		{"lifecycle symbol", "save_state", ""},
		{"free function", "free_string", ""},
		{"punctuation", "ping;rm", ""},
		{"nul in args", "echo", "a\x00b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.reg.Call(ctx, "demo", tt.function, tt.args)
			assert.ErrorIs(t, err, backend.ErrInvalidArgument)
			errutil.AssertErrorCode(t, err, backend.CodeInvalidArgument)
		})
	}

	m, _ := h.reg.Metrics("demo")
	assert.Empty(t, m.FunctionCalls)
}

func TestCallPolicyDenies(t *testing.T) {
	h := newHarness(t, backend.WithCallPolicy(policyFunc(func(_, fn string) bool { return fn != "shout" })))
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	_, err := h.reg.Call(ctx, "demo", "shout", "hey")
	assert.ErrorIs(t, err, backend.ErrCallDenied)

	out, err := h.reg.Call(ctx, "demo", "echo", "hey")
	require.NoError(t, err)
	assert.Equal(t, "hey", out)
}

func TestCallPublishesLogEntries(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))
	sub := h.logs.Subscribe("demo")

	_, err := h.reg.Call(ctx, "demo", "ping", "")
	require.NoError(t, err)
	_, err = h.reg.Call(ctx, "demo", "missing", "")
	require.Error(t, err)

	entries := drain(sub)
	require.NotEmpty(t, entries)
	assert.Equal(t, "Calling demo.ping", entries[0].Message)
	assert.Equal(t, "ping", entries[0].FunctionName)
	assert.Equal(t, logbus.SourceBackend, entries[0].Source)

	var sawError bool
	for _, e := range entries {
		if e.Level == logbus.LevelError && e.FunctionName == "missing" {
			sawError = true
		}
	}
	assert.True(t, sawError, "failures are published at error level")
}

func TestUnloadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	require.NoError(t, h.reg.Unload(ctx, "demo"))
	require.NoError(t, h.reg.Unload(ctx, "demo"))
	require.NoError(t, h.reg.Unload(ctx, "never-loaded"))

	assert.False(t, h.reg.IsLoaded("demo"))
	assert.Equal(t, 1, d.CleanupCalls())
	assert.Zero(t, d.Handles())

	_, err := h.reg.Call(ctx, "demo", "ping", "")
	assert.ErrorIs(t, err, backend.ErrNotLoaded)
}

func TestUnloadRefusedKeepsBackend(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	d.Unloading.Store(false)
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	err := h.reg.Unload(ctx, "demo")

	assert.ErrorIs(t, err, backend.ErrNotReadyToUnload)
	errutil.AssertErrorCode(t, err, backend.CodeNotReadyToUnload)
	assert.True(t, h.reg.IsLoaded("demo"))
	assert.Equal(t, 1, d.Handles())

	out, err := h.reg.Call(ctx, "demo", "ping", "")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestUnloadDefersCloseUntilCallReturns(t *testing.T) {
	h := newHarness(t)
	lib, entered, release := h.blocker(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "slow", lib.Path()))

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.reg.Call(ctx, "slow", "slow", "")
		done <- result{out, err}
	}()
	<-entered

	require.NoError(t, h.reg.Unload(ctx, "slow"))
	assert.False(t, h.reg.IsLoaded("slow"))
	assert.Equal(t, 1, lib.Handles(), "library stays open while a call is running")

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "done", res.out)
	assert.Eventually(t, func() bool { return lib.Handles() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCallAbandonedWhenContextEnds(t *testing.T) {
	h := newHarness(t)
	lib, _, release := h.blocker(t)
	require.NoError(t, h.reg.Load(context.Background(), "slow", lib.Path()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.reg.Call(ctx, "slow", "slow", "")
	assert.ErrorIs(t, err, backend.ErrCallAbandoned)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	errutil.AssertErrorCode(t, err, backend.CodeCallAbandoned)

	close(release)
	assert.Eventually(t, func() bool {
		m, _ := h.reg.Metrics("slow")
		return m.FunctionCalls["slow"] == 1
	}, time.Second, 5*time.Millisecond, "the abandoned call still completes and is counted")
	assert.Eventually(t, func() bool { return lib.Outstanding() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCallTimeoutOption(t *testing.T) {
	h := newHarness(t, backend.WithCallTimeout(10*time.Millisecond))
	lib, _, release := h.blocker(t)
	require.NoError(t, h.reg.Load(context.Background(), "slow", lib.Path()))
	defer close(release)

	_, err := h.reg.Call(context.Background(), "slow", "slow", "")
	assert.ErrorIs(t, err, backend.ErrCallAbandoned)
}

func TestConcurrentCallsOnTwoBackends(t *testing.T) {
	h := newHarness(t)
	a := h.demo(t, "a.so", "1.0.0")
	b := h.demo(t, "b.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "a", a.Path()))
	require.NoError(t, h.reg.Load(ctx, "b", b.Path()))

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for range n {
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := h.reg.Call(ctx, id, "echo", id)
				if err == nil && out != id {
					err = errors.New("unexpected output " + out)
				}
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range []string{"a", "b"} {
		m, err := h.reg.Metrics(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(n), m.FunctionCalls["echo"], id)
	}
	assert.Zero(t, a.Outstanding())
	assert.Zero(t, b.Outstanding())
}

func TestRefreshMetricsMergesSelfReport(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))
	_, err := h.reg.Call(ctx, "demo", "ping", "")
	require.NoError(t, err)

	d.SetMetrics(backendtest.Ptr(`{"memory_usage":2048,"cpu_time_ms":7,"function_calls":{"ping":3,"internal":1}}`))
	require.NoError(t, h.reg.RefreshMetrics(ctx, "demo"))

	m, _ := h.reg.Metrics("demo")
	assert.Equal(t, uint64(2048), m.MemoryUsage)
	assert.Equal(t, uint64(7), m.CPUTimeMs)
	assert.Equal(t, uint64(4), m.FunctionCalls["ping"])
	assert.Equal(t, uint64(1), m.FunctionCalls["internal"])

	d.SetMetrics(backendtest.Ptr(`{"memory_usage":1024,"cpu_time_ms":9,"function_calls":{"ping":1}}`))
	require.NoError(t, h.reg.RefreshMetrics(ctx, "demo"))
	m, _ = h.reg.Metrics("demo")
	assert.Equal(t, uint64(1024), m.MemoryUsage)
	assert.Equal(t, uint64(5), m.FunctionCalls["ping"])
	assert.Zero(t, d.Outstanding())
}

func TestRefreshMetricsToleratesBadPayloads(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))
	sub := h.logs.Subscribe("demo")

	d.SetMetrics(nil)
	require.NoError(t, h.reg.RefreshMetrics(ctx, "demo"))
	d.SetMetrics(backendtest.Ptr("not json"))
	require.NoError(t, h.reg.RefreshMetrics(ctx, "demo"))

	m, _ := h.reg.Metrics("demo")
	assert.Zero(t, m.MemoryUsage)

	var warnings int
	for _, e := range drain(sub) {
		if e.Level == logbus.LevelWarn && e.FunctionName == "get_metrics" {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
	assert.Zero(t, d.Outstanding())
}

func TestRefreshMetricsUnknownBackend(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.reg.RefreshMetrics(context.Background(), "x"), backend.ErrNotLoaded)
}

func TestUptimeFollowsClock(t *testing.T) {
	clock := newFakeClock()
	h := newHarness(t, backend.WithClock(clock.Now))
	d := h.demo(t, "demo.so", "1.0.0")
	require.NoError(t, h.reg.Load(context.Background(), "demo", d.Path()))

	clock.Advance(1500 * time.Millisecond)

	m, err := h.reg.Metrics("demo")
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), m.UptimeMs)
}

func TestAllMetricsSortedByID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		d := h.demo(t, id+".so", "1.0.0")
		require.NoError(t, h.reg.Load(ctx, id, d.Path()))
	}

	all := h.reg.AllMetrics()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].PluginID)
	assert.Equal(t, "mid", all[1].PluginID)
	assert.Equal(t, "zeta", all[2].PluginID)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, h.reg.List())
	assert.Len(t, h.reg.Infos(), 3)
}

func TestHealthAndReloadPredicates(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	healthy, err := h.reg.HealthCheck(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, healthy)

	d.Healthy.Store(false)
	d.Reloading.Store(false)
	healthy, err = h.reg.HealthCheck(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, healthy)

	reloadable, err := h.reg.CanHotReload(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, reloadable)

	_, err = h.reg.HealthCheck(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotLoaded)
}

func TestSetLogLevel(t *testing.T) {
	h := newHarness(t)
	d := h.demo(t, "demo.so", "1.0.0")
	ctx := context.Background()
	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))

	require.NoError(t, h.reg.SetLogLevel(ctx, "demo", "debug"))
	assert.Equal(t, []string{"debug"}, d.LogLevels())

	assert.ErrorIs(t, h.reg.SetLogLevel(ctx, "demo", ""), backend.ErrInvalidArgument)
}

func TestCloseUnloadsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.demo(t, "a.so", "1.0.0")
	stubborn := h.demo(t, "b.so", "1.0.0")
	stubborn.Unloading.Store(false)
	require.NoError(t, h.reg.Load(ctx, "a", a.Path()))
	require.NoError(t, h.reg.Load(ctx, "b", stubborn.Path()))

	require.NoError(t, h.reg.Close(ctx))
	require.NoError(t, h.reg.Close(ctx))

	assert.Empty(t, h.reg.List())
	assert.Zero(t, a.Handles())
	assert.Zero(t, stubborn.Handles(), "backends refusing unload are released at shutdown")

	err := h.reg.Load(ctx, "a", a.Path())
	assert.ErrorIs(t, err, backend.ErrRegistryClosed)
}

func TestRecorderObservesLifecycle(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("BackendLoaded", "demo").Once()
	rec.On("CallObserved", "demo", "ping", nil, mock.AnythingOfType("time.Duration")).Once()
	rec.On("SelfReported", mock.MatchedBy(func(m backend.Metrics) bool { return m.MemoryUsage == 64 })).Once()
	rec.On("BackendUnloaded", "demo").Once()

	h := newHarness(t, backend.WithRecorder(rec))
	d := h.demo(t, "demo.so", "1.0.0")
	d.SetMetrics(backendtest.Ptr(`{"memory_usage":64}`))
	ctx := context.Background()

	require.NoError(t, h.reg.Load(ctx, "demo", d.Path()))
	_, err := h.reg.Call(ctx, "demo", "ping", "")
	require.NoError(t, err)
	require.NoError(t, h.reg.RefreshMetrics(ctx, "demo"))
	require.NoError(t, h.reg.Unload(ctx, "demo"))

	rec.AssertExpectations(t)
}
