// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package monitor periodically refreshes backend metrics and fans the
// resulting snapshots out to subscribers.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deskpet/deskpet/internal/backend"
	"github.com/deskpet/deskpet/pkg/errutil"
)

// Defaults for Config.
const (
	DefaultInterval    = 5 * time.Second
	DefaultConcurrency = 4
)

// Source is the part of the backend registry the monitor polls.
type Source interface {
	List() []string
	RefreshMetrics(ctx context.Context, id string) error
	AllMetrics() []backend.Metrics
}

// Config controls the poll cadence.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Monitor polls every loaded backend once per interval.
type Monitor struct {
	cfg    Config
	source Source
	logger *slog.Logger

	mu      sync.Mutex
	polling map[string]struct{}
	subs    map[chan []backend.Metrics]struct{}
	latest  []backend.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. Zero config fields take their defaults.
func New(cfg Config, source Source, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		source:  source,
		logger:  logger,
		polling: make(map[string]struct{}),
		subs:    make(map[chan []backend.Metrics]struct{}),
	}
}

// RunOnce refreshes every backend and publishes one snapshot. Each poll is
// bounded by the interval so a hung backend cannot stall the cycle. The
// registry skips a backend whose earlier get_metrics call is still running,
// so a hung backend holds at most one poller.
func (m *Monitor) RunOnce(ctx context.Context) []backend.Metrics {
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)

	for _, id := range m.source.List() {
		if !m.beginPoll(id) {
			m.logger.Debug("skipping backend with a poll still in flight", "plugin", id)
			continue
		}
		g.Go(func() error {
			defer m.endPoll(id)
			pollCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
			defer cancel()
			if err := m.source.RefreshMetrics(pollCtx, id); err != nil && !errors.Is(err, backend.ErrNotLoaded) {
				errutil.LogError(m.logger, "metrics poll failed", err, "plugin", id)
			}
			return nil
		})
	}
	_ = g.Wait()

	snapshot := m.source.AllMetrics()
	m.publish(snapshot)
	return snapshot
}

func (m *Monitor) beginPoll(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.polling[id]; busy {
		return false
	}
	m.polling[id] = struct{}{}
	return true
}

func (m *Monitor) endPoll(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.polling, id)
}

func (m *Monitor) publish(snapshot []backend.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = snapshot
	for ch := range m.subs {
		// Keep only the newest snapshot for slow readers.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

// Latest returns the most recent snapshot, or nil before the first cycle.
func (m *Monitor) Latest() []backend.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Subscribe returns a channel that always holds the newest snapshot and a
// function that ends the subscription.
func (m *Monitor) Subscribe() (<-chan []backend.Metrics, func()) {
	ch := make(chan []backend.Metrics, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// Start begins periodic polling. The first cycle runs immediately. Only
// the first call starts a loop; later calls, including after Stop, do
// nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop stops polling and waits for the current cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}
