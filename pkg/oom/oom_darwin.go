//go:build darwin

package oom

// DarwinSwapHeuristicOOM implements the macOS-only heuristic: the OS
// reports "available" memory optimistically because it counts
// reclaimable file-backed pages, which hides pathological swap thrashing.
// If what we've allocated minus what's actually resident already exceeds
// what the OS claims is available, treat that as an effective OOM even
// though the strict byte-count check below minimumRequired hasn't fired.
func DarwinSwapHeuristicOOM(allocatedBytes, residentSetBytes, availableBytes uint64) bool {
	if allocatedBytes <= residentSetBytes {
		return false
	}
	swapped := allocatedBytes - residentSetBytes
	return swapped > availableBytes
}
