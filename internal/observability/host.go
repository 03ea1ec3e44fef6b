// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package observability

import (
	"context"
	"os"

	"github.com/samber/oops"
	"github.com/shirou/gopsutil/v4/process"
)

// HostStats describes the host process. Native backends share its address
// space, so these figures include every loaded library.
type HostStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// ReadHostStats samples the current process.
func ReadHostStats(ctx context.Context) (HostStats, error) {
	pid := os.Getpid()
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return HostStats{}, oops.In("observability").With("pid", pid).Wrapf(err, "open process")
	}

	stats := HostStats{PID: pid}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return HostStats{}, oops.In("observability").With("pid", pid).Wrapf(err, "read memory info")
	}
	stats.RSSBytes = mem.RSS

	if stats.CPUPercent, err = proc.CPUPercentWithContext(ctx); err != nil {
		return HostStats{}, oops.In("observability").With("pid", pid).Wrapf(err, "read cpu usage")
	}
	if stats.Threads, err = proc.NumThreadsWithContext(ctx); err != nil {
		return HostStats{}, oops.In("observability").With("pid", pid).Wrapf(err, "read thread count")
	}
	return stats, nil
}
