//go:build darwin

package main

import (
	"golang.org/x/sys/unix"

	"github.com/sorousht/filtrace/pkg/oom"
)

// currentThreadID falls back to a single constant id on darwin, where
// there is no portable gettid(); every call is attributed to one synthetic
// thread rather than mis-deriving a per-thread id from the goroutine.
func currentThreadID() uint64 { return 1 }

// defaultTotalMemory reads hw.memsize via sysctl, the standard cgo-free way
// to learn physical memory size on macOS.
func defaultTotalMemory() uint64 {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 8 * 1024 * 1024 * 1024
	}
	return total
}

// systemAvailableMemory applies spec.md §4.6's macOS heuristic: the OS
// reports "available" memory optimistically (it counts reclaimable
// file-backed pages as free), which can hide pathological swap thrashing.
// There is no cgo-free way to read live free-page counts on darwin (that
// needs a Mach host_statistics64 call), so available memory is
// approximated as total physical memory minus what this process has
// currently tracked as allocated, and oom.DarwinSwapHeuristicOOM catches
// the case where the non-resident portion of that allocation already
// exceeds the approximated headroom.
func systemAvailableMemory(currentBytes func() uint64) (uint64, error) {
	total := defaultTotalMemory()
	allocated := currentBytes()

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	residentSetBytes := uint64(ru.Maxrss)

	var available uint64
	if total > allocated {
		available = total - allocated
	}

	if oom.DarwinSwapHeuristicOOM(allocated, residentSetBytes, available) {
		return 0, nil
	}
	return available, nil
}
