// Package boundary is the glue layer invoked by the allocator
// interposition shim: every exported symbol the shim calls funnels
// through here, where it's translated into tracker (C5), interner (C2),
// and callstack (C4) operations under the central lock.
//
// Go has no native thread-local storage, so unlike the original
// implementation's compiler-managed TLS, per-thread callstacks here are
// keyed by an OS thread id the shim already tracks and passes in
// explicitly on every call.
package boundary

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sorousht/filtrace/pkg/callstack"
	"github.com/sorousht/filtrace/pkg/flamegraph"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/oom"
	"github.com/sorousht/filtrace/pkg/tracker"
)

// Boundary owns the thread-stack registry and wires every symbol-boundary
// call into the tracker. Safe for concurrent use by multiple OS threads,
// matching the shim's calling convention.
type Boundary struct {
	tracker *tracker.Tracker
	oomEst  *oom.Estimator
	log     *logrus.Logger

	threadsMu sync.Mutex
	threads   map[uint64]*callstack.Callstack
	retired   map[uint64]bool

	// Diagnostics, per spec's error-handling taxonomy: transient shim
	// races are silently dropped but counted.
	silentNoops   uint64
	unknownOnRace uint64
}

// New wires a boundary layer around an existing tracker and OOM estimator.
func New(t *tracker.Tracker, est *oom.Estimator, log *logrus.Logger) *Boundary {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Boundary{
		tracker: t,
		oomEst:  est,
		log:     log,
		threads: make(map[uint64]*callstack.Callstack),
		retired: make(map[uint64]bool),
	}
}

func (b *Boundary) stackFor(threadID uint64) (*callstack.Callstack, bool) {
	b.threadsMu.Lock()
	defer b.threadsMu.Unlock()

	if b.retired[threadID] {
		return nil, false
	}
	cs, ok := b.threads[threadID]
	if !ok {
		cs = callstack.New()
		b.threads[threadID] = cs
	}
	return cs, true
}

// ReleaseThread marks threadID as torn down: a thread-shutdown
// notification from the shim. Any straggling calls for this id afterward
// are silently no-op'd rather than resurrecting a stack, matching the
// "thread-local storage unavailable" case in spec.md §4.9.
func (b *Boundary) ReleaseThread(threadID uint64) {
	b.threadsMu.Lock()
	defer b.threadsMu.Unlock()
	delete(b.threads, threadID)
	b.retired[threadID] = true
}

// AddFunctionLocation interns a (filename, function_name) pair. On the
// reentrant-dump race (the catalog's write lock is already held) it
// returns the Unknown sentinel rather than blocking.
func (b *Boundary) AddFunctionLocation(filename, functionName string) funccatalog.FunctionID {
	id, ok := b.tracker.Catalog().TryAdd(filename, functionName)
	if !ok {
		b.unknownOnRace++
		return funccatalog.Unknown
	}
	return id
}

// StartCall pushes a new call site onto threadID's stack. A no-op if the
// thread's stack is unavailable (shutdown race).
func (b *Boundary) StartCall(threadID uint64, parentLine uint32, fid funccatalog.FunctionID, line uint32) {
	cs, ok := b.stackFor(threadID)
	if !ok {
		b.silentNoops++
		return
	}
	cs.StartCall(parentLine, callstack.CallSite{Function: fid, Line: callstack.Resolved(line)})
}

// FinishCall pops threadID's top call site. A no-op if unavailable.
func (b *Boundary) FinishCall(threadID uint64) {
	cs, ok := b.stackFor(threadID)
	if !ok {
		b.silentNoops++
		return
	}
	cs.FinishCall()
}

// AddAllocation records a heap allocation attributed to threadID's current
// callstack, interning it if this is a new path shape.
func (b *Boundary) AddAllocation(threadID uint64, proc tracker.ProcessUID, address uintptr, size uint64, line uint32) {
	cs, ok := b.stackFor(threadID)
	if !ok {
		b.silentNoops++
		return
	}

	b.tracker.Lock()
	defer b.tracker.Unlock()

	path := cs.IDForNewAllocation(line, func(stack *callstack.Callstack) uint32 {
		return b.tracker.GetOrIntern(stack)
	})
	b.tracker.AddAllocation(proc, address, size, path)
}

// GetAllocationSize reports a previously tracked heap address's size, or
// ok=false if address was never recorded (the shim treats this as 0).
func (b *Boundary) GetAllocationSize(proc tracker.ProcessUID, address uintptr) (uint64, bool) {
	b.tracker.Lock()
	defer b.tracker.Unlock()
	return b.tracker.AllocationSize(proc, address)
}

// FreeAllocation releases a previously tracked heap address.
func (b *Boundary) FreeAllocation(proc tracker.ProcessUID, address uintptr) (uint64, bool) {
	b.tracker.Lock()
	defer b.tracker.Unlock()
	return b.tracker.FreeAllocation(proc, address)
}

// AddAnonMmap records a new anonymous page mapping.
func (b *Boundary) AddAnonMmap(threadID uint64, proc tracker.ProcessUID, address uintptr, size uint64, line uint32) {
	cs, ok := b.stackFor(threadID)
	if !ok {
		b.silentNoops++
		return
	}

	b.tracker.Lock()
	defer b.tracker.Unlock()

	path := cs.IDForNewAllocation(line, func(stack *callstack.Callstack) uint32 {
		return b.tracker.GetOrIntern(stack)
	})
	b.tracker.AddAnonMmap(proc, address, size, path)
}

// FreeAnonMmap releases all or part of a previously mapped range.
func (b *Boundary) FreeAnonMmap(proc tracker.ProcessUID, address uintptr, size uint64) uint64 {
	b.tracker.Lock()
	defer b.tracker.Unlock()
	return b.tracker.FreeAnonMmap(proc, address, size)
}

// Reset clears tracker state, preserving the interner and catalog.
func (b *Boundary) Reset(newOutputDir string) {
	b.tracker.Lock()
	defer b.tracker.Unlock()
	b.tracker.Reset(newOutputDir)
}

// GetCurrentCallstack clones threadID's current stack for handoff, e.g.
// across a host-created worker thread boundary.
func (b *Boundary) GetCurrentCallstack(threadID uint64) *callstack.Callstack {
	cs, ok := b.stackFor(threadID)
	if !ok {
		return callstack.New()
	}
	return cs.Clone()
}

// SetCurrentCallstack installs cs (ownership transferred) as threadID's
// current stack.
func (b *Boundary) SetCurrentCallstack(threadID uint64, cs *callstack.Callstack) {
	b.threadsMu.Lock()
	defer b.threadsMu.Unlock()
	delete(b.retired, threadID)
	b.threads[threadID] = cs
}

// ClearCurrentCallstack resets threadID's stack to empty.
func (b *Boundary) ClearCurrentCallstack(threadID uint64) {
	b.SetCurrentCallstack(threadID, callstack.New())
}

// TooBigAllocation consults the OOM estimator; callers use this before
// attributing an allocation of the given size to decide whether an
// out-of-memory dump-and-exit is warranted.
func (b *Boundary) TooBigAllocation(size uint64) bool {
	if b.oomEst == nil {
		return false
	}
	return b.oomEst.TooBigAllocation(size)
}

// DumpPeak writes the peak-memory flamegraph artifacts (raw .prof and two
// SVGs) via the tracker and flamegraph packages. source supplies optional
// per-frame source-line enrichment; renderer is the external
// collapsed-stack-to-SVG collaborator.
func (b *Boundary) DumpPeak(outputDir string, source flamegraph.SourceLookup, renderer flamegraph.Renderer) error {
	b.tracker.Lock()
	lines := b.tracker.ToLines(true, source != nil, source)
	peakBytes := b.tracker.PeakBytes()
	b.tracker.Unlock()

	return writeFlamegraphArtifacts(outputDir, "peak-memory", "Peak Tracked Memory Usage", peakBytes, lines, source != nil, renderer)
}

// DumpOutOfMemory writes the out-of-memory flamegraph from whatever the
// tracker still has after OOMBreakGlass has cleared live address state, so
// this must run before that clear.
func (b *Boundary) DumpOutOfMemory(outputDir string, renderer flamegraph.Renderer) error {
	b.tracker.Lock()
	lines := b.tracker.ToLines(true, false, nil)
	peakBytes := b.tracker.PeakBytes()
	b.tracker.Unlock()

	return writeFlamegraphArtifacts(outputDir, "out-of-memory", "Out-of-Memory Allocations", peakBytes, lines, false, renderer)
}

// DumpPerformance writes the sampler's accumulated thread-state flamegraph.
func (b *Boundary) DumpPerformance(outputDir string, sampler interface {
	Lines(postProcessed bool, source flamegraph.SourceLookup) []string
}, renderer flamegraph.Renderer) error {
	lines := sampler.Lines(false, nil)
	return writeFlamegraphArtifacts(outputDir, "performance", "Execution Time", 0, lines, false, renderer)
}

// Diagnostics exposes the silent-shim-race counters for verbose logging.
func (b *Boundary) Diagnostics() (silentNoops, unknownOnRace uint64) {
	return b.silentNoops, b.unknownOnRace
}
