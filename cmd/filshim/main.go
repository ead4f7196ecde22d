// Command filshim is the cgo boundary the allocator-interposition shim
// links against: every exported symbol here is spec.md §4.9/§6's C9
// boundary glue, translated from C calling convention into pkg/boundary
// calls. Built with `go build -buildmode=c-shared` to produce a shared
// library the interposition shim dlopen()s.
//
// Go has no compiler-managed thread-local storage the way the original
// implementation's host language does, so per pkg/boundary's doc comment,
// every call here derives the calling OS thread id itself (via gettid on
// Linux) instead of requiring the shim to pass one in.
package main

/*
#include <stddef.h>
#include <stdint.h>
*/
import "C"

import (
	"os"
	"runtime/cgo"

	"github.com/sirupsen/logrus"

	"github.com/sorousht/filtrace/pkg/boundary"
	"github.com/sorousht/filtrace/pkg/callstack"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/oom"
	"github.com/sorousht/filtrace/pkg/svgrender"
	"github.com/sorousht/filtrace/pkg/tracker"
)

const defaultOutputDir = "/tmp/filtrace"

var (
	b        *boundary.Boundary
	tr       *tracker.Tracker
	log      *logrus.Logger
	renderer = svgrender.New()
)

func init() {
	log = logrus.StandardLogger()
	if os.Getenv("FIL_DEBUG") == "1" {
		log.SetLevel(logrus.DebugLevel)
	}

	tr = tracker.New(defaultOutputDir, log)

	var est *oom.Estimator
	if os.Getenv("__FIL_DISABLE_OOM_DETECTION") == "1" {
		est = oom.Disabled()
	} else {
		avail := func() (uint64, error) { return systemAvailableMemory(tr.CurrentBytes) }
		est = oom.New(defaultTotalMemory(), avail, log)
	}
	b = boundary.New(tr, est, log)
}

//export filtrace_add_allocation
func filtrace_add_allocation(address C.uintptr_t, size C.size_t, lineNumber C.uint16_t) {
	tid := currentThreadID()
	b.AddAllocation(tid, tracker.Root, uintptr(address), uint64(size), uint32(lineNumber))
	if b.TooBigAllocation(uint64(size)) {
		onOutOfMemory()
	}
}

//export filtrace_free_allocation
func filtrace_free_allocation(address C.uintptr_t) {
	b.FreeAllocation(tracker.Root, uintptr(address))
}

//export filtrace_get_allocation_size
func filtrace_get_allocation_size(address C.uintptr_t) C.size_t {
	size, ok := b.GetAllocationSize(tracker.Root, uintptr(address))
	if !ok {
		return 0
	}
	return C.size_t(size)
}

//export filtrace_add_anon_mmap
func filtrace_add_anon_mmap(address C.uintptr_t, size C.size_t, lineNumber C.uint16_t) {
	tid := currentThreadID()
	b.AddAnonMmap(tid, tracker.Root, uintptr(address), uint64(size), uint32(lineNumber))
}

//export filtrace_free_anon_mmap
func filtrace_free_anon_mmap(address C.uintptr_t, length C.size_t) {
	b.FreeAnonMmap(tracker.Root, uintptr(address), uint64(length))
}

//export filtrace_add_function_location
func filtrace_add_function_location(filename *C.char, filenameLen C.uint64_t, functionName *C.char, functionLen C.uint64_t) C.uint64_t {
	fn := C.GoStringN(filename, C.int(filenameLen))
	fname := C.GoStringN(functionName, C.int(functionLen))
	fid := b.AddFunctionLocation(fn, fname)
	return C.uint64_t(fid)
}

//export filtrace_start_call
func filtrace_start_call(parentLineNumber C.uint16_t, functionID C.uint64_t, lineNumber C.uint16_t) {
	tid := currentThreadID()
	b.StartCall(tid, uint32(parentLineNumber), funccatalog.FunctionID(functionID), uint32(lineNumber))
}

//export filtrace_finish_call
func filtrace_finish_call() {
	tid := currentThreadID()
	b.FinishCall(tid)
}

//export filtrace_reset
func filtrace_reset(defaultPath *C.char) {
	path := C.GoString(defaultPath)
	b.Reset(path)
}

//export filtrace_dump_peak_to_flamegraph
func filtrace_dump_peak_to_flamegraph(outputDir *C.char) {
	path := C.GoString(outputDir)
	if err := b.DumpPeak(path, nil, renderer); err != nil {
		log.WithError(err).Error("filshim: dump_peak_to_flamegraph failed")
	}
}

// filtrace_get_current_callstack hands out a runtime/cgo.Handle for the
// cloned callstack rather than a bare Go pointer, since Go pointers may not
// be stored in C memory across calls; the handle is valid until a matching
// set_current_callstack consumes it.
//
//export filtrace_get_current_callstack
func filtrace_get_current_callstack() C.uintptr_t {
	tid := currentThreadID()
	cs := b.GetCurrentCallstack(tid)
	return C.uintptr_t(cgo.NewHandle(cs))
}

//export filtrace_set_current_callstack
func filtrace_set_current_callstack(handle C.uintptr_t) {
	h := cgo.Handle(handle)
	cs, ok := h.Value().(*callstack.Callstack)
	h.Delete()
	if !ok {
		return
	}
	tid := currentThreadID()
	b.SetCurrentCallstack(tid, cs)
}

//export filtrace_clear_current_callstack
func filtrace_clear_current_callstack() {
	tid := currentThreadID()
	b.ClearCurrentCallstack(tid)
}

// onOutOfMemory dumps the out-of-memory flamegraph and clears live state;
// the caller (the shim's allocation hook) is expected to abort the process
// with exit code 53 immediately afterward, per spec.md §6.
func onOutOfMemory() {
	if err := b.DumpOutOfMemory(defaultOutputDir, renderer); err != nil {
		log.WithError(err).Error("filshim: failed to dump out-of-memory artifacts")
	}
	tr.OOMBreakGlass()
}

// main is required by `go build -buildmode=c-shared` but never runs; the
// shim only ever calls the exported symbols above.
func main() {}
