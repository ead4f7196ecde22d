//go:build linux

package main

import (
	"github.com/prometheus/procfs"

	"github.com/sorousht/filtrace/pkg/oom"
)

// systemAvailableMemory is the real AvailableMemoryFunc on Linux: OS +
// cgroup accounting via pkg/oom. currentBytes is unused here; it only
// matters to the darwin swap heuristic.
func systemAvailableMemory(currentBytes func() uint64) (uint64, error) {
	return oom.SystemAvailableMemory()
}

// defaultTotalMemory reads MemTotal for the OOM estimator's minimum-
// required threshold (max(100MiB, 2% of total)).
func defaultTotalMemory() uint64 {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 8 * 1024 * 1024 * 1024
	}
	info, err := fs.Meminfo()
	if err != nil || info.MemTotal == nil {
		return 8 * 1024 * 1024 * 1024
	}
	return *info.MemTotal * 1024
}
