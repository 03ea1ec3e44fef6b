// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package logbus fans plugin log entries out to live subscribers.
package logbus

import (
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Level is a log entry severity.
type Level string

// Levels understood by plugin log consumers.
const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Slog maps the level onto the nearest slog level.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelTrace, LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Source identifies which side of the host produced an entry.
type Source string

// Entry sources.
const (
	SourceBackend  Source = "backend"
	SourceSystem   Source = "system"
	SourceFrontend Source = "frontend"
)

// Entry is one plugin log record.
type Entry struct {
	ID           string `json:"id"`
	Timestamp    int64  `json:"timestamp"`
	PluginID     string `json:"pluginId"`
	Level        Level  `json:"level"`
	Message      string `json:"message"`
	Source       Source `json:"source"`
	FunctionName string `json:"functionName,omitempty"`
	ThreadID     string `json:"threadId,omitempty"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

func newID(now time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewEntry stamps a backend-sourced entry with a fresh id and the current time.
func NewEntry(pluginID string, level Level, function, message string) Entry {
	now := time.Now()
	return Entry{
		ID:           newID(now),
		Timestamp:    now.UnixMilli(),
		PluginID:     pluginID,
		Level:        level,
		Message:      message,
		Source:       SourceBackend,
		FunctionName: function,
	}
}
