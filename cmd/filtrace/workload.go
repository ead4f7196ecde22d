package main

import (
	"math/rand"

	"github.com/sorousht/filtrace/pkg/boundary"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/perf"
	"github.com/sorousht/filtrace/pkg/tracker"
)

// callSite is one frame of the synthetic call graph used to exercise the
// tracker without a real interpreter attached.
type callSite struct {
	filename, function string
	line                uint32
}

var syntheticCallGraph = [][]callSite{
	{{"app.py", "main", 5}, {"app.py", "handle_request", 12}, {"model.py", "predict", 88}},
	{{"app.py", "main", 5}, {"app.py", "handle_request", 12}, {"cache.py", "get", 30}},
	{{"app.py", "main", 5}, {"worker.py", "process_batch", 41}, {"model.py", "predict", 88}},
	{{"app.py", "main", 5}, {"worker.py", "process_batch", 41}, {"numpy_shim.py", "matmul", 7}},
}

// syntheticWorkload drives allocate/free calls through a Boundary as if an
// interposition shim were reporting them, so pkg/boundary and pkg/tracker
// are exercised end-to-end by cmd/filtrace.
type syntheticWorkload struct {
	b    *boundary.Boundary
	rng  *rand.Rand
	live []uintptr
	next uintptr
	fids [][]funccatalog.FunctionID // per call-graph path, interned once up front
}

func newSyntheticWorkload(b *boundary.Boundary, rng *rand.Rand) *syntheticWorkload {
	w := &syntheticWorkload{b: b, rng: rng, next: 0x1000}
	for _, path := range syntheticCallGraph {
		var ids []funccatalog.FunctionID
		for _, site := range path {
			ids = append(ids, b.AddFunctionLocation(site.filename, site.function))
		}
		w.fids = append(w.fids, ids)
	}
	return w
}

// step performs one randomized allocation or free against threadID 1,
// returning the size of whatever was allocated this tick (0 if it freed
// instead), for the OOM estimator to consult.
func (w *syntheticWorkload) step() uint64 {
	const threadID = 1

	// Occasionally free something live, to exercise free_allocation and
	// keep current usage from growing unbounded.
	if len(w.live) > 4 && w.rng.Intn(3) == 0 {
		idx := w.rng.Intn(len(w.live))
		addr := w.live[idx]
		w.live = append(w.live[:idx], w.live[idx+1:]...)
		w.b.FreeAllocation(tracker.Root, addr)
		return 0
	}

	pathIdx := w.rng.Intn(len(syntheticCallGraph))
	path := syntheticCallGraph[pathIdx]
	fids := w.fids[pathIdx]

	for i, site := range path {
		var parentLine uint32
		if i > 0 {
			parentLine = path[i-1].line
		}
		w.b.StartCall(threadID, parentLine, fids[i], site.line)
	}

	size := uint64(64 + w.rng.Intn(1<<20))
	addr := w.next
	w.next += uintptr(size) + 16

	leaf := path[len(path)-1]
	w.b.AddAllocation(threadID, tracker.Root, addr, size, leaf.line)
	w.live = append(w.live, addr)

	for range path {
		w.b.FinishCall(threadID)
	}

	return size
}

// syntheticIntrospector is a minimal perf.HostIntrospector standing in for
// a real host-language runtime: thread 1 is always "alive" and reports
// whatever the last synthetic call-graph leaf was, so --performance has
// something to sample.
type syntheticIntrospector struct{}

func (s *syntheticIntrospector) LiveThreads(exclude uint64) ([]uint64, error) {
	if exclude == 1 {
		return nil, nil
	}
	return []uint64{1}, nil
}

func (s *syntheticIntrospector) TopFrame(threadID uint64) (filename, functionName string, line uint32, ok bool) {
	if threadID != 1 {
		return "", "", 0, false
	}
	return "worker.py", "process_batch", 41, true
}

func (s *syntheticIntrospector) ThreadState(threadID uint64) (perf.ThreadState, error) {
	return perf.Running, nil
}
