// Package perf implements the periodic, independent performance sampler:
// it wakes on a fixed cadence, asks the host what each thread is doing,
// and accumulates per-callstack sample counts that get dumped through the
// same flamegraph pipeline as the allocation tracker.
package perf

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sorousht/filtrace/pkg/callstack"
	"github.com/sorousht/filtrace/pkg/flamegraph"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/pathintern"
)

// Cadence is the fixed tick interval the sampler wakes at.
const Cadence = 47 * time.Millisecond

// ThreadState classifies what a sampled thread was doing at tick time.
type ThreadState int

const (
	Running ThreadState = iota
	Waiting
	Uninterruptible
	Other
)

func (s ThreadState) String() string {
	switch s {
	case Running:
		return "Running"
	case Waiting:
		return "Waiting"
	case Uninterruptible:
		return "Uninterruptible"
	default:
		return "Other"
	}
}

// ClassifyLinuxState maps a /proc/[pid]/task/[tid]/stat state character
// (man 5 proc, field 3) to a ThreadState.
func ClassifyLinuxState(code byte) ThreadState {
	switch code {
	case 'R':
		return Running
	case 'D':
		return Uninterruptible
	case 'S':
		return Waiting
	default:
		return Other
	}
}

// HostIntrospector is the external collaborator the host language exposes
// so the sampler can ask, for each live thread, what it's currently doing
// without itself understanding host-language internals.
type HostIntrospector interface {
	// LiveThreads returns every thread currently alive, excluding
	// excludeThreadID (the sampler's own thread, so it doesn't pollute
	// its own profile).
	LiveThreads(excludeThreadID uint64) ([]uint64, error)
	// TopFrame returns the current top call frame the host knows about
	// for threadID, or ok=false if unavailable (e.g. a thread mid
	// shutdown, racing the sample).
	TopFrame(threadID uint64) (filename, functionName string, line uint32, ok bool)
	// ThreadState classifies threadID's current OS-level state.
	ThreadState(threadID uint64) (ThreadState, error)
}

// Sampler is an independent background task that samples every live
// thread at Cadence and accumulates (callstack, state) sample counts.
type Sampler struct {
	catalog      *funccatalog.Catalog
	introspector HostIntrospector
	selfThreadID uint64
	log          *logrus.Logger

	mu       sync.Mutex
	interner *pathintern.Interner
	counts   map[pathintern.PathID]uint64

	stateFunctionIDs [4]funccatalog.FunctionID
}

// New returns a sampler that will attribute samples using catalog (so
// function names line up with the allocation flamegraphs) and query
// introspector for thread snapshots. selfThreadID is excluded from every
// tick so the sampler never profiles itself.
func New(catalog *funccatalog.Catalog, introspector HostIntrospector, selfThreadID uint64, log *logrus.Logger) *Sampler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Sampler{
		catalog:      catalog,
		introspector: introspector,
		selfThreadID: selfThreadID,
		log:          log,
		interner:     pathintern.New(),
		counts:       make(map[pathintern.PathID]uint64),
	}
	for state := Running; state <= Other; state++ {
		s.stateFunctionIDs[state] = catalog.Add("<thread-state>", "<"+state.String()+">")
	}
	return s
}

// Run blocks, sampling at Cadence until ctx is cancelled. It's meant to be
// run on its own goroutine/OS thread for the sampler's lifetime.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	threadIDs, err := s.introspector.LiveThreads(s.selfThreadID)
	if err != nil {
		s.log.WithError(err).Debug("perf: failed to list live threads this tick")
		return
	}

	for _, tid := range threadIDs {
		filename, functionName, line, ok := s.introspector.TopFrame(tid)
		if !ok {
			continue
		}
		state, err := s.introspector.ThreadState(tid)
		if err != nil {
			state = Other
		}

		cs := callstack.New()
		fid := s.catalog.Add(filename, functionName)
		cs.StartCall(0, callstack.CallSite{Function: fid, Line: callstack.Resolved(line)})
		cs.StartCall(0, callstack.CallSite{Function: s.stateFunctionIDs[state], Line: callstack.Resolved(0)})

		s.mu.Lock()
		id := s.interner.Intern(cs, nil)
		s.counts[id]++
		s.mu.Unlock()
	}
}

// Lines renders the accumulated samples through the flamegraph pipeline,
// using "samples" as the count unit.
func (s *Sampler) Lines(postProcessed bool, source flamegraph.SourceLookup) []string {
	s.mu.Lock()
	total := uint64(0)
	snapshot := make(map[pathintern.PathID]uint64, len(s.counts))
	for id, n := range s.counts {
		snapshot[id] = n
		total += n
	}
	reverse := s.interner.Reverse()
	s.mu.Unlock()

	entries := flamegraph.FilterToUsefulCallstacks(snapshot, total)
	return flamegraph.RenderLines(entries, reverse, s.catalog, postProcessed, source)
}
