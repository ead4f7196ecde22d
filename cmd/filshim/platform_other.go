//go:build !linux && !darwin

package main

import "github.com/sorousht/filtrace/pkg/oom"

// currentThreadID falls back to a single constant id on platforms with no
// portable gettid(); every call is attributed to one synthetic thread
// rather than mis-deriving a per-thread id from the goroutine.
func currentThreadID() uint64 { return 1 }

// systemAvailableMemory has no cgroup/procfs-backed implementation on
// platforms that are neither Linux nor darwin (platform_darwin.go covers
// the macOS swap heuristic); fall back to the always-available oracle
// rather than fabricating a platform reader the spec doesn't define.
func systemAvailableMemory(currentBytes func() uint64) (uint64, error) {
	return oom.AlwaysAvailable()
}

func defaultTotalMemory() uint64 {
	return 8 * 1024 * 1024 * 1024
}
