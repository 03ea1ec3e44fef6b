// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package logbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 1000

// Publisher accepts log entries.
type Publisher interface {
	Publish(Entry)
}

// Discard drops every entry.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Entry) {}

// Subscription receives entries published after it was created.
type Subscription struct {
	ch       chan Entry
	pluginID string
	dropped  atomic.Uint64
}

// C returns the receive channel. It is closed on Unsubscribe or Close.
func (s *Subscription) C() <-chan Entry { return s.ch }

// Dropped reports how many entries this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(e Entry) bool {
	return s.pluginID == "" || s.pluginID == e.PluginID
}

// Broadcaster distributes entries to subscribers. Publishing never blocks;
// a subscriber that falls behind loses entries rather than stalling callers.
type Broadcaster struct {
	buffer int
	mirror *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMirror also writes every published entry to logger.
func WithMirror(logger *slog.Logger) Option {
	return func(b *Broadcaster) { b.mirror = logger }
}

// New creates a broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		buffer: DefaultBuffer,
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber. An empty pluginID receives entries for
// every plugin. Subscribing to a closed broadcaster returns a subscription
// whose channel is already closed.
func (b *Broadcaster) Subscribe(pluginID string) *Subscription {
	s := &Subscription{ch: make(chan Entry, b.buffer), pluginID: pluginID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers e to every interested subscriber and the mirror.
// Entries published after Close are dropped.
func (b *Broadcaster) Publish(e Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	b.mirrorEntry(e)

	for s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) mirrorEntry(e Entry) {
	if b.mirror == nil {
		return
	}
	attrs := []any{"plugin", e.PluginID, "source", string(e.Source)}
	if e.FunctionName != "" {
		attrs = append(attrs, "function", e.FunctionName)
	}
	if e.ThreadID != "" {
		attrs = append(attrs, "thread", e.ThreadID)
	}
	b.mirror.Log(context.Background(), e.Level.Slog(), e.Message, attrs...)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns total published and dropped deliveries.
func (b *Broadcaster) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close closes every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
