// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/backend/backendtest"
	"github.com/deskpet/deskpet/internal/logbus"
)

type harness struct {
	reg    *backend.Registry
	opener *backendtest.Opener
	logs   *logbus.Broadcaster
}

func newHarness(t testing.TB, opts ...backend.Option) *harness {
	t.Helper()
	h := &harness{
		opener: backendtest.NewOpener(),
		logs:   logbus.New(),
	}
	base := []backend.Option{
		backend.WithOpener(h.opener),
		backend.WithLogs(h.logs),
		backend.WithUnloadGrace(0),
		backend.WithRestartGrace(0),
	}
	h.reg = backend.NewRegistry(append(base, opts...)...)
	t.Cleanup(h.logs.Close)
	return h
}

// demo registers a demo backend at a fresh path.
func (h *harness) demo(t testing.TB, file, version string) *backendtest.Demo {
	t.Helper()
	d := backendtest.NewDemo(backendtest.TouchFile(t, file), version)
	h.opener.Register(d.Library)
	return d
}

// blocker returns a library exporting plugin_slow, which blocks until
// release is closed. entered receives once per call.
func (h *harness) blocker(t testing.TB) (lib *backendtest.Library, entered chan struct{}, release chan struct{}) {
	t.Helper()
	entered = make(chan struct{}, 16)
	release = make(chan struct{})
	lib = backendtest.NewLibrary(backendtest.TouchFile(t, "slow.so")).WithFree()
	lib.WithCommand("slow", func(string) *string {
		entered <- struct{}{}
		<-release
		return backendtest.Ptr("done")
	})
	h.opener.Register(lib)
	return lib, entered, release
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockRecorder is a testify mock of backend.Recorder.
type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) BackendLoaded(id string)   { m.Called(id) }
func (m *mockRecorder) BackendUnloaded(id string) { m.Called(id) }
func (m *mockRecorder) CallObserved(id, fn string, err error, d time.Duration) {
	m.Called(id, fn, err, d)
}
func (m *mockRecorder) ReloadObserved(id string, ok bool, d time.Duration) { m.Called(id, ok, d) }
func (m *mockRecorder) SelfReported(metrics backend.Metrics)               { m.Called(metrics) }

// policyFunc adapts a function to backend.CallPolicy.
type policyFunc func(pluginID, function string) bool

func (f policyFunc) Permits(pluginID, function string) bool { return f(pluginID, function) }

// drain returns every entry currently buffered on sub.
func drain(sub *logbus.Subscription) []logbus.Entry {
	var out []logbus.Entry
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}
