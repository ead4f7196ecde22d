// Package oom implements the adaptive out-of-memory estimator: a cheap
// byte countdown between expensive system-memory checks, backed by a
// minimum of OS-reported available memory and the active cgroup's
// remaining budget. The generic Estimator here is platform-independent;
// oom_linux.go and oom_darwin.go supply the platform-specific
// AvailableMemoryFunc implementations.
package oom

import (
	"github.com/sirupsen/logrus"
)

const (
	// minimalFreeBytes is the absolute floor below which available memory
	// is considered too dangerous.
	minimalFreeBytes = 100 * 1024 * 1024
	// minimumFreePercent is the other half of max(100MiB, 2% of total).
	minimumFreePercent = 2
)

// AvailableMemoryFunc returns the current best estimate of free bytes. The
// default implementation combines OS and cgroup readings; __FIL_DISABLE_OOM_DETECTION
// substitutes AlwaysAvailable.
type AvailableMemoryFunc func() (uint64, error)

// Estimator maintains a byte countdown between checks so the common case
// (plenty of memory) costs nothing beyond a subtraction, while the check
// cadence tightens automatically as available memory shrinks.
type Estimator struct {
	checkThresholdBytes uint64
	minimumRequired     uint64
	getAvailable        AvailableMemoryFunc
	log                 *logrus.Logger
}

// New returns an estimator using getAvailable to query system memory and
// totalBytes to compute the minimum-required threshold
// (max(100MiB, 2% of total)).
func New(totalBytes uint64, getAvailable AvailableMemoryFunc, log *logrus.Logger) *Estimator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	minimum := uint64(minimalFreeBytes)
	if pct := totalBytes * minimumFreePercent / 100; pct > minimum {
		minimum = pct
	}
	return &Estimator{
		minimumRequired: minimum,
		getAvailable:    getAvailable,
		log:             log,
	}
}

// Disabled returns an estimator that never reports OOM, for
// __FIL_DISABLE_OOM_DETECTION=1.
func Disabled() *Estimator {
	return &Estimator{
		minimumRequired: 0,
		getAvailable:    AlwaysAvailable,
	}
}

// AlwaysAvailable is the infinite-memory oracle substituted when the
// estimator is disabled.
func AlwaysAvailable() (uint64, error) { return ^uint64(0), nil }

// MinimumRequired returns the available-memory floor (max(100MiB, 2% of
// total)) below which TooBigAllocation reports an OOM condition.
func (e *Estimator) MinimumRequired() uint64 { return e.minimumRequired }

// TooBigAllocation reports whether allocationSize pushes the process close
// enough to the configured minimum that an expensive system check is
// warranted, and if so, whether that check found an OOM condition. The
// common case (allocationSize within the remaining countdown) is a cheap
// decrement with no syscalls.
func (e *Estimator) TooBigAllocation(allocationSize uint64) bool {
	if allocationSize <= e.checkThresholdBytes {
		e.checkThresholdBytes -= allocationSize
		return false
	}
	return e.areWeOOM()
}

// verboseDiagnosticsHook is set by oom_linux.go's init() to log the full
// cgroup memory.stat breakdown on every real check when FIL_DEBUG=1. It
// stays nil on platforms with no cgroup support.
var verboseDiagnosticsHook func(*logrus.Logger)

func (e *Estimator) areWeOOM() bool {
	if verboseDiagnosticsHook != nil {
		verboseDiagnosticsHook(e.log)
	}

	available, err := e.getAvailable()
	if err != nil {
		e.log.WithError(err).Warn("oom: failed to query available memory, assuming not OOM")
		e.checkThresholdBytes = e.minimumRequired
		return false
	}

	if available < e.minimumRequired {
		return true
	}

	e.checkThresholdBytes = available / 100
	return false
}
