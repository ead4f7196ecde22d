// Package tracker implements the central, process-wide allocation
// tracking engine: address maps, per-path running totals, a peak
// snapshot, and per-process segregation for cloned children.
package tracker

import (
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/sorousht/filtrace/pkg/callstack"
	"github.com/sorousht/filtrace/pkg/flamegraph"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/pathintern"
	"github.com/sorousht/filtrace/pkg/rangemap"
	"github.com/sorousht/filtrace/pkg/types"
)

// ProcessUID distinguishes the parent process (0) from children that
// arose via clone/fork. Each has its own address map and range map.
type ProcessUID uint32

// Root is the reserved ProcessUID for the original, non-cloned process.
const Root ProcessUID = 0

// Allocation is what the tracker stores per live heap address.
type Allocation struct {
	Path pathintern.PathID
	Size types.CompressedSize
}

type process struct {
	addrs    map[uintptr]Allocation
	anonMmap *rangemap.Map[pathintern.PathID]
}

func newProcess() *process {
	return &process{
		addrs:    make(map[uintptr]Allocation),
		anonMmap: rangemap.New[pathintern.PathID](),
	}
}

// Tracker holds every piece of state the spec assigns to the central
// allocation tracker. All mutating operations must be called with the
// caller holding Lock/Unlock (exposed so C9's boundary layer can acquire
// the lock once per symbol-boundary call and perform the C4 interning
// under it, matching the data flow: shim -> C9 -> lock -> C4 -> C5).
type Tracker struct {
	mu deadlock.Mutex

	processes map[ProcessUID]*process
	interner  *pathintern.Interner
	catalog   *funccatalog.Catalog

	perPathTotals     []uint64
	peakPerPathTotals []uint64

	currentAllocatedBytes uint64
	peakAllocatedBytes    uint64

	lostFreeAttributions uint64 // add_allocation over a live address
	unknownFrees         uint64 // free of an address we never saw

	outputDir string
	log       *logrus.Logger
}

// New returns a fresh tracker writing artifacts to outputDir by default.
func New(outputDir string, log *logrus.Logger) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{
		processes: map[ProcessUID]*process{Root: newProcess()},
		interner:  pathintern.New(),
		catalog:   funccatalog.New(),
		outputDir: outputDir,
		log:       log,
	}
}

// Lock / Unlock expose the tracker's single non-reentrant mutex so C9 can
// serialize an entire symbol-boundary call (interning included) under it.
func (t *Tracker) Lock()   { t.mu.Lock() }
func (t *Tracker) Unlock() { t.mu.Unlock() }

// Catalog returns the function catalog (C3), shared with the callstack
// and performance-sampling packages.
func (t *Tracker) Catalog() *funccatalog.Catalog { return t.catalog }

func (t *Tracker) proc(p ProcessUID) *process {
	proc, ok := t.processes[p]
	if !ok {
		proc = newProcess()
		t.processes[p] = proc
	}
	return proc
}

// GetOrIntern delegates to the call-path interner and guarantees a zero
// slot exists in both totals vectors for the returned path id. Callers
// must hold the tracker lock.
func (t *Tracker) GetOrIntern(cs *callstack.Callstack) pathintern.PathID {
	return t.interner.Intern(cs, func(id pathintern.PathID) {
		t.growTotals(id)
	})
}

func (t *Tracker) growTotals(id pathintern.PathID) {
	for pathintern.PathID(len(t.perPathTotals)) <= id {
		t.perPathTotals = append(t.perPathTotals, 0)
	}
	for pathintern.PathID(len(t.peakPerPathTotals)) <= id {
		t.peakPerPathTotals = append(t.peakPerPathTotals, 0)
	}
}

// AddAllocation records a new heap allocation. If an entry already existed
// at address (a lost free), its previous attribution is discarded and the
// diagnostic counter is incremented per spec's documented, non-implicit-
// free policy.
func (t *Tracker) AddAllocation(proc ProcessUID, address uintptr, size uint64, path pathintern.PathID) {
	t.growTotals(path)
	compressed := types.Compress(size)
	p := t.proc(proc)

	if prev, ok := p.addrs[address]; ok {
		t.lostFreeAttributions++
		t.perPathTotals[prev.Path] -= prev.Size.Bytes()
		t.currentAllocatedBytes -= prev.Size.Bytes()
	}

	p.addrs[address] = Allocation{Path: path, Size: compressed}
	t.perPathTotals[path] += compressed.Bytes()
	t.currentAllocatedBytes += compressed.Bytes()
}

// FreeAllocation releases a previously tracked heap address. The peak is
// observed first since this is a reduction in current usage. Returns the
// freed byte count, or ok=false if the address was never tracked (common
// early in a run, not an error).
func (t *Tracker) FreeAllocation(proc ProcessUID, address uintptr) (freed uint64, ok bool) {
	t.ObservePeak()

	p := t.proc(proc)
	alloc, found := p.addrs[address]
	if !found {
		t.unknownFrees++
		return 0, false
	}
	delete(p.addrs, address)

	freed = alloc.Size.Bytes()
	t.perPathTotals[alloc.Path] -= freed
	t.currentAllocatedBytes -= freed
	return freed, true
}

// AllocationSize reports the tracked size of a previously recorded heap
// address, or ok=false if the address is unknown (get_allocation_size in
// the symbol-boundary table, e.g. used by realloc to learn the old size).
func (t *Tracker) AllocationSize(proc ProcessUID, address uintptr) (uint64, bool) {
	p := t.proc(proc)
	alloc, ok := p.addrs[address]
	if !ok {
		return 0, false
	}
	return alloc.Size.Bytes(), true
}

// AddAnonMmap records a new anonymous page mapping, routed through the
// range map (C1) since it may later be partially released.
func (t *Tracker) AddAnonMmap(proc ProcessUID, address uintptr, size uint64, path pathintern.PathID) {
	t.growTotals(path)
	p := t.proc(proc)
	p.anonMmap.Add(address, uintptr(size), path)
	t.perPathTotals[path] += size
	t.currentAllocatedBytes += size
}

// FreeAnonMmap releases all or part of a previously mapped range. A single
// call may produce several per-path decrements if the released range spans
// more than one tracked mapping.
func (t *Tracker) FreeAnonMmap(proc ProcessUID, address uintptr, size uint64) uint64 {
	t.ObservePeak()

	p := t.proc(proc)
	removed := p.anonMmap.Remove(address, uintptr(size))

	var total uint64
	for _, r := range removed {
		freed := uint64(r.BytesFreed)
		t.perPathTotals[r.Value] -= freed
		total += freed
	}
	t.currentAllocatedBytes -= total
	return total
}

// DropProcess discards every record attributed to proc, decrementing
// totals accordingly. Used when a cloned child process terminates.
func (t *Tracker) DropProcess(proc ProcessUID) {
	t.ObservePeak()

	p, ok := t.processes[proc]
	if !ok {
		return
	}

	for _, alloc := range p.addrs {
		freed := alloc.Size.Bytes()
		t.perPathTotals[alloc.Path] -= freed
		t.currentAllocatedBytes -= freed
	}
	for _, lv := range p.anonMmap.Iter() {
		freed := uint64(lv.Length)
		t.perPathTotals[lv.Value] -= freed
		t.currentAllocatedBytes -= freed
	}

	delete(t.processes, proc)
}

// ObservePeak copies per_path_totals into the peak snapshot if current
// usage now exceeds the recorded peak. Idempotent: calling it twice in a
// row with no intervening mutation is a no-op. Must be called before every
// reduction in current usage and before every dump, so peak maintenance
// never needs to clone the (much larger) address map.
func (t *Tracker) ObservePeak() {
	if t.currentAllocatedBytes <= t.peakAllocatedBytes {
		return
	}
	t.peakAllocatedBytes = t.currentAllocatedBytes
	t.peakPerPathTotals = append(t.peakPerPathTotals[:0], t.perPathTotals...)
}

// CurrentBytes and PeakBytes report the running scalar totals.
func (t *Tracker) CurrentBytes() uint64 { return t.currentAllocatedBytes }
func (t *Tracker) PeakBytes() uint64    { return t.peakAllocatedBytes }

// InternedPaths reports how many distinct call-path shapes have been
// interned so far, for metrics/diagnostics.
func (t *Tracker) InternedPaths() int { return t.interner.Len() }

// Diagnostics returns the lost-write anomaly counters for warning at dump
// time (spec's error-handling taxonomy: tolerated but counted).
func (t *Tracker) Diagnostics() (lostFreeAttributions, unknownFrees uint64) {
	return t.lostFreeAttributions, t.unknownFrees
}

// Reset clears address maps and per-path totals in place, preserving slot
// indices so any thread-local memoized path ids remain valid, and clears
// the peak. The interner and catalog are never cleared.
func (t *Tracker) Reset(newOutputDir string) {
	t.processes = map[ProcessUID]*process{Root: newProcess()}
	for i := range t.perPathTotals {
		t.perPathTotals[i] = 0
	}
	for i := range t.peakPerPathTotals {
		t.peakPerPathTotals[i] = 0
	}
	t.currentAllocatedBytes = 0
	t.peakAllocatedBytes = 0
	t.lostFreeAttributions = 0
	t.unknownFrees = 0
	t.outputDir = newOutputDir
}

// OutputDir returns the directory dumps are currently configured to use.
func (t *Tracker) OutputDir() string { return t.outputDir }

// OOMBreakGlass clears the live address maps and peak snapshot to free up
// space for the out-of-memory dump path. Allocation tracking after this
// point is unreliable by design; the process is expected to exit shortly.
func (t *Tracker) OOMBreakGlass() {
	t.processes = map[ProcessUID]*process{Root: newProcess()}
	for i := range t.peakPerPathTotals {
		t.peakPerPathTotals[i] = 0
	}
}

// CombineCallstacks selects the peak snapshot or live totals and runs them
// through the top-N% filter (C7), returning the surviving entries.
func (t *Tracker) CombineCallstacks(peak bool) []flamegraph.Entry {
	t.ObservePeak()

	totals := t.perPathTotals
	total := t.currentAllocatedBytes
	if peak {
		totals = t.peakPerPathTotals
		total = t.peakAllocatedBytes
	}

	byPath := make(map[pathintern.PathID]uint64, len(totals))
	for id, bytes := range totals {
		byPath[pathintern.PathID(id)] = bytes
	}
	return flamegraph.FilterToUsefulCallstacks(byPath, total)
}

// ToLines fetches each surviving path's callstack via the interner's
// reverse map, formats it, and emits "{frames} {bytes}" lines ready for
// .prof output or SVG rendering.
func (t *Tracker) ToLines(peak bool, postProcessed bool, source flamegraph.SourceLookup) []string {
	entries := t.CombineCallstacks(peak)
	reverse := t.interner.Reverse()
	return flamegraph.RenderLines(entries, reverse, t.catalog, postProcessed, source)
}
