//go:build linux

package oom

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/sorousht/filtrace/pkg/system/cgroup"
)

// SystemAvailableMemory returns min(OS available, cgroup limit - usage),
// the default AvailableMemoryFunc on Linux.
func SystemAvailableMemory() (uint64, error) {
	osAvailable, err := osAvailableMemory()
	if err != nil {
		return 0, errors.Wrap(err, "reading OS available memory")
	}

	cgroupAvailable, err := cgroupAvailableMemory()
	if err != nil {
		// Absence of cgroup accounting is common (containers without
		// memory controllers enabled) and not fatal to the estimate.
		cgroupAvailable = ^uint64(0)
	}

	if cgroupAvailable < osAvailable {
		return cgroupAvailable, nil
	}
	return osAvailable, nil
}

func osAvailableMemory() (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, errors.Wrap(err, "opening procfs")
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, errors.Wrap(err, "reading /proc/meminfo")
	}
	if info.MemAvailable == nil {
		return 0, errors.New("MemAvailable not reported by this kernel")
	}
	return *info.MemAvailable * 1024, nil
}

// cgroupAvailableMemory iterates every cgroup controller this process
// belongs to (per /proc/self/cgroup) and returns the minimum remaining
// budget across all of them, matching the original profiler's behavior of
// not assuming the memory controller is the only one mounted.
func cgroupAvailableMemory() (uint64, error) {
	version, _, err := cgroup.Detect()
	if err != nil || version == cgroup.Unsupported {
		return 0, errors.New("no cgroup support detected")
	}

	paths, err := cgroupMountsForSelf()
	if err != nil {
		return 0, err
	}

	best := ^uint64(0)
	found := false
	for _, path := range paths {
		current, max, err := readCgroupMemoryPair(path)
		if err != nil {
			continue
		}
		if max <= current {
			continue
		}
		available := max - current
		if available < best {
			best = available
		}
		found = true
	}
	if !found {
		return 0, errors.New("no readable cgroup memory accounting found")
	}
	return best, nil
}

// cgroupMountsForSelf resolves this process's cgroup membership to
// filesystem paths under /sys/fs/cgroup, mirroring the original profiler's
// /proc/self/cgroup parsing.
func cgroupMountsForSelf() ([]string, error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return nil, errors.Wrap(err, "opening /proc/self/cgroup")
	}
	defer f.Close()

	const base = "/sys/fs/cgroup"
	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), ":", 3)
		if len(fields) != 3 {
			continue
		}
		sub := strings.TrimPrefix(fields[2], "/")
		path := filepath.Join(base, sub)
		if stat, err := os.Stat(path); err == nil && stat.IsDir() {
			paths = append(paths, path)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning /proc/self/cgroup")
	}
	return paths, nil
}

// readCgroupMemoryPair reads (usage, limit) for one cgroup directory,
// preferring cgroup v2's memory.current/memory.max and falling back to
// v1's memory.usage_in_bytes/memory.limit_in_bytes.
func readCgroupMemoryPair(cgroupPath string) (current, max uint64, err error) {
	currentPath := filepath.Join(cgroupPath, "memory.current")
	maxPath := filepath.Join(cgroupPath, "memory.max")
	if !fileExists(currentPath) || !fileExists(maxPath) {
		currentPath = filepath.Join(cgroupPath, "memory.usage_in_bytes")
		maxPath = filepath.Join(cgroupPath, "memory.limit_in_bytes")
	}

	current, err = readUintFile(currentPath)
	if err != nil {
		return 0, 0, err
	}
	max, err = readUintFile(maxPath)
	if err != nil {
		return 0, 0, err
	}
	return current, max, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", path)
	}
	text := strings.TrimSpace(string(data))
	if text == "max" {
		return ^uint64(0), nil
	}
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", path)
	}
	return v, nil
}
