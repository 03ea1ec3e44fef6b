// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/pkg/errutil"
)

// Metrics holds the backend runtime's prometheus instruments and records
// registry events into them.
type Metrics struct {
	BackendsLoaded prometheus.Gauge
	CallsTotal     *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	ReloadsTotal   *prometheus.CounterVec
	MemoryBytes    *prometheus.GaugeVec
	CPUTimeMs      *prometheus.GaugeVec
}

var _ backend.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers the backend metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackendsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskpet_backends_loaded",
			Help: "Number of native backends currently loaded",
		}),
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpet_backend_calls_total",
				Help: "Total backend function calls by plugin, function and result",
			},
			[]string{"plugin", "function", "result"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deskpet_backend_call_duration_seconds",
				Help:    "Backend function call latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"plugin"},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskpet_backend_reloads_total",
				Help: "Total hot reloads by plugin and outcome",
			},
			[]string{"plugin", "result"},
		),
		MemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deskpet_backend_memory_bytes",
				Help: "Memory usage self-reported by each backend",
			},
			[]string{"plugin"},
		),
		CPUTimeMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deskpet_backend_cpu_time_milliseconds",
				Help: "CPU time self-reported by each backend",
			},
			[]string{"plugin"},
		),
	}

	reg.MustRegister(m.BackendsLoaded, m.CallsTotal, m.CallDuration, m.ReloadsTotal, m.MemoryBytes, m.CPUTimeMs)
	return m
}

// RegisterLogBus exposes broadcaster delivery counters.
func RegisterLogBus(reg prometheus.Registerer, stats func() (published, dropped uint64)) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "deskpet_log_entries_published_total",
			Help: "Plugin log entries published on the broadcaster",
		}, func() float64 {
			p, _ := stats()
			return float64(p)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "deskpet_log_entries_dropped_total",
			Help: "Plugin log entry deliveries dropped because a subscriber was full",
		}, func() float64 {
			_, d := stats()
			return float64(d)
		}),
	)
}

// BackendLoaded implements backend.Recorder.
func (m *Metrics) BackendLoaded(string) { m.BackendsLoaded.Inc() }

// BackendUnloaded implements backend.Recorder.
func (m *Metrics) BackendUnloaded(pluginID string) {
	m.BackendsLoaded.Dec()
	m.MemoryBytes.DeleteLabelValues(pluginID)
	m.CPUTimeMs.DeleteLabelValues(pluginID)
}

// CallObserved implements backend.Recorder.
func (m *Metrics) CallObserved(pluginID, function string, err error, elapsed time.Duration) {
	m.CallsTotal.WithLabelValues(pluginID, function, result(err)).Inc()
	m.CallDuration.WithLabelValues(pluginID).Observe(elapsed.Seconds())
}

// ReloadObserved implements backend.Recorder.
func (m *Metrics) ReloadObserved(pluginID string, success bool, _ time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.ReloadsTotal.WithLabelValues(pluginID, outcome).Inc()
}

// SelfReported implements backend.Recorder.
func (m *Metrics) SelfReported(bm backend.Metrics) {
	m.MemoryBytes.WithLabelValues(bm.PluginID).Set(float64(bm.MemoryUsage))
	m.CPUTimeMs.WithLabelValues(bm.PluginID).Set(float64(bm.CPUTimeMs))
}

// result turns an error into a bounded label value.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errutil.Code(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}
