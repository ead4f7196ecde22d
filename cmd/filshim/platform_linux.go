//go:build linux

package main

import (
	"syscall"

	"github.com/prometheus/procfs"

	"github.com/sorousht/filtrace/pkg/oom"
)

// currentThreadID returns the kernel thread id of whichever OS thread is
// currently executing this cgo call, matching what pkg/system/proc's
// /proc/<pid>/task/<tid>/stat readers expect.
func currentThreadID() uint64 {
	return uint64(syscall.Gettid())
}

// currentBytes is unused here; it only matters to the darwin swap heuristic.
func systemAvailableMemory(currentBytes func() uint64) (uint64, error) {
	return oom.SystemAvailableMemory()
}

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
