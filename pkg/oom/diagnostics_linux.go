//go:build linux

package oom

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MemStat is a trimmed view of a cgroup v2 memory.stat file, adapted from
// the full field set into the subset useful for explaining an OOM verdict:
// how much of the cgroup's budget is reclaimable cache versus genuinely
// pinned memory.
type MemStat struct {
	AnonBytes              uint64
	FileBytes              uint64
	KernelStackBytes       uint64
	SlabBytes              uint64
	SlabReclaimableBytes   uint64
	SlabUnreclaimableBytes uint64
	SockBytes              uint64
	ActiveAnonBytes        uint64
	InactiveAnonBytes      uint64
}

func parseMemStat(r *os.File) (MemStat, error) {
	var m MemStat
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "anon":
			m.AnonBytes = v
		case "file":
			m.FileBytes = v
		case "kernel_stack":
			m.KernelStackBytes = v
		case "slab":
			m.SlabBytes = v
		case "slab_reclaimable":
			m.SlabReclaimableBytes = v
		case "slab_unreclaimable":
			m.SlabUnreclaimableBytes = v
		case "sock":
			m.SockBytes = v
		case "active_anon":
			m.ActiveAnonBytes = v
		case "inactive_anon":
			m.InactiveAnonBytes = v
		}
	}
	if err := sc.Err(); err != nil {
		return MemStat{}, errors.Wrap(err, "scanning memory.stat")
	}
	return m, nil
}

// ReadMemStat reads memory.stat from the given cgroup directory (v2 only;
// v1 has no equivalent single file with this field set).
func ReadMemStat(cgroupPath string) (MemStat, error) {
	path := cgroupPath + "/memory.stat"
	f, err := os.Open(path)
	if err != nil {
		return MemStat{}, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	return parseMemStat(f)
}

func init() {
	verboseDiagnosticsHook = logVerboseCgroupDiagnostics
}

// logVerboseCgroupDiagnostics prints the full memory.stat breakdown for
// every cgroup this process belongs to, gated on FIL_DEBUG=1 per the
// original profiler's "=fil-profile=" verbose mode.
func logVerboseCgroupDiagnostics(log *logrus.Logger) {
	if os.Getenv("FIL_DEBUG") != "1" {
		return
	}
	paths, err := cgroupMountsForSelf()
	if err != nil {
		log.WithError(err).Debug("oom: could not resolve cgroup paths for verbose diagnostics")
		return
	}
	for _, path := range paths {
		stat, err := ReadMemStat(path)
		if err != nil {
			continue
		}
		log.WithFields(logrus.Fields{
			"component":        "c6",
			"cgroup":           path,
			"anon_bytes":       stat.AnonBytes,
			"file_bytes":       stat.FileBytes,
			"kernel_stack":     stat.KernelStackBytes,
			"slab_reclaimable": stat.SlabReclaimableBytes,
			"slab_total":       stat.SlabBytes,
			"sock_bytes":       stat.SockBytes,
			"active_anon":      stat.ActiveAnonBytes,
			"inactive_anon":    stat.InactiveAnonBytes,
		}).Debug("oom: cgroup memory.stat breakdown")
	}
}
