// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend_test

import (
	"context"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/internal/backend/backendtest"
	"github.com/deskpet/deskpet/internal/logbus"
)

var _ = Describe("Backend registry", func() {
	var (
		ctx    context.Context
		opener *backendtest.Opener
		logs   *logbus.Broadcaster
		reg    *backend.Registry
		demo   *backendtest.Demo
	)

	newDemo := func(file, version string) *backendtest.Demo {
		d := backendtest.NewDemo(backendtest.TouchFile(GinkgoT(), file), version)
		opener.Register(d.Library)
		return d
	}

	BeforeEach(func() {
		ctx = context.Background()
		opener = backendtest.NewOpener()
		logs = logbus.New()
		DeferCleanup(logs.Close)
		reg = backend.NewRegistry(
			backend.WithOpener(opener),
			backend.WithLogs(logs),
			backend.WithUnloadGrace(0),
			backend.WithRestartGrace(0),
		)
		demo = newDemo("demo.so", "1.0.0")
	})

	Describe("calling a demo backend", func() {
		It("answers ping with pong and counts the call once", func() {
			Expect(reg.Load(ctx, "demo", demo.Path())).To(Succeed())

			out, err := reg.Call(ctx, "demo", "ping", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("pong"))

			m, err := reg.Metrics("demo")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.FunctionCalls).To(HaveKeyWithValue("ping", uint64(1)))
		})

		It("fails for an id that was never registered without creating state", func() {
			_, err := reg.Call(ctx, "ghost", "ping", "")
			Expect(err).To(MatchError(backend.ErrNotLoaded))
			Expect(reg.List()).To(BeEmpty())
			Expect(reg.AllMetrics()).To(BeEmpty())
		})

		It("keeps counters separate for concurrent calls on two backends", func() {
			other := newDemo("other.so", "1.0.0")
			Expect(reg.Load(ctx, "demo", demo.Path())).To(Succeed())
			Expect(reg.Load(ctx, "other", other.Path())).To(Succeed())

			var wg sync.WaitGroup
			for _, id := range []string{"demo", "other"} {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := reg.Call(ctx, id, "ping", "")
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			for _, id := range []string{"demo", "other"} {
				m, err := reg.Metrics(id)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.FunctionCalls["ping"]).To(Equal(uint64(1)))
			}
		})
	})

	Describe("loading", func() {
		It("reports LibraryNotFound for a path that does not exist", func() {
			err := reg.Load(ctx, "demo", filepath.Join(GinkgoT().TempDir(), "missing.so"))
			Expect(err).To(MatchError(backend.ErrLibraryNotFound))
			Expect(reg.IsLoaded("demo")).To(BeFalse())
		})
	})

	Describe("unloading", func() {
		BeforeEach(func() {
			Expect(reg.Load(ctx, "demo", demo.Path())).To(Succeed())
		})

		It("is idempotent", func() {
			Expect(reg.Unload(ctx, "demo")).To(Succeed())
			Expect(reg.Unload(ctx, "demo")).To(Succeed())
			Expect(reg.IsLoaded("demo")).To(BeFalse())
		})

		It("keeps a backend that reports it cannot unload", func() {
			demo.Unloading.Store(false)

			Expect(reg.Unload(ctx, "demo")).To(MatchError(backend.ErrNotReadyToUnload))
			Expect(reg.IsLoaded("demo")).To(BeTrue())

			out, err := reg.Call(ctx, "demo", "ping", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("pong"))
		})
	})

	Describe("hot reload", func() {
		BeforeEach(func() {
			Expect(reg.Load(ctx, "demo", demo.Path())).To(Succeed())
		})

		It("leaves the original backend running when the new path is missing", func() {
			res, err := reg.HotReload(ctx, "demo", filepath.Join(GinkgoT().TempDir(), "v2.so"))
			Expect(err).To(MatchError(backend.ErrLibraryNotFound))
			Expect(res.Success).To(BeFalse())

			out, err := reg.Call(ctx, "demo", "ping", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("pong"))
		})

		It("hands the saved state to the new library unchanged", func() {
			next := newDemo("v2.so", "1.1.0")
			_, err := reg.Call(ctx, "demo", "set", "identity-blob")
			Expect(err).NotTo(HaveOccurred())

			res, err := reg.HotReload(ctx, "demo", next.Path())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.OldVersion).To(Equal("1.0.0"))
			Expect(res.NewVersion).To(Equal("1.1.0"))
			Expect(next.Restored()).To(Equal([]string{"identity-blob"}))
		})

		It("publishes start and completion entries", func() {
			sub := logs.Subscribe("demo")
			next := newDemo("v2.so", "2.0.0")

			_, err := reg.HotReload(ctx, "demo", next.Path())
			Expect(err).NotTo(HaveOccurred())

			var messages []string
			for _, e := range drain(sub) {
				if e.FunctionName == "hot_reload" {
					messages = append(messages, e.Message)
				}
			}
			Expect(messages).To(ContainElement(HavePrefix("Starting hot reload")))
			Expect(messages).To(ContainElement(ContainSubstring("upgrade 1.0.0 -> 2.0.0")))
		})
	})
})
