// Package pathintern interns callstacks into dense, monotonically-increasing
// 32-bit path ids, so the tracker can key its per-path totals off a small
// integer instead of hashing the full callstack on every lookup.
package pathintern

import (
	"sync"

	"github.com/sorousht/filtrace/pkg/callstack"
)

// PathID is a dense identifier for one distinct callstack shape.
type PathID = uint32

// Interner deduplicates callstacks by their Key() into PathIDs. The first
// caller to intern a given shape gets a freshly assigned id and triggers
// onNew; every later caller with an identical shape gets the same id
// without triggering anything. Safe for concurrent use, though in practice
// C5 already serializes callers under its own lock.
type Interner struct {
	mu         sync.Mutex
	ids        map[string]PathID
	callstacks []*callstack.Callstack
}

// New returns an empty interner.
func New() *Interner {
	return &Interner{ids: make(map[string]PathID)}
}

// Intern returns the PathID for cs's current shape, assigning a new one on
// first sight. onNew, if non-nil, is called exactly once per newly assigned
// id, while the interner's lock is held, so the caller can grow any
// parallel per-path vector (C5's running totals) before the id is handed
// back out to concurrent callers.
func (in *Interner) Intern(cs *callstack.Callstack, onNew func(id PathID)) PathID {
	key := cs.Key()

	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.ids[key]; ok {
		return id
	}

	id := PathID(len(in.callstacks))
	in.callstacks = append(in.callstacks, cs.Clone())
	in.ids[key] = id
	if onNew != nil {
		onNew(id)
	}
	return id
}

// Lookup returns the interned callstack for id, or nil if id was never
// assigned by this interner.
func (in *Interner) Lookup(id PathID) *callstack.Callstack {
	in.mu.Lock()
	defer in.mu.Unlock()
	if int(id) >= len(in.callstacks) {
		return nil
	}
	return in.callstacks[id]
}

// Reverse returns a snapshot mapping every assigned PathID to its
// callstack, for flamegraph rendering (C7).
func (in *Interner) Reverse() map[PathID]*callstack.Callstack {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[PathID]*callstack.Callstack, len(in.callstacks))
	for id, cs := range in.callstacks {
		out[PathID(id)] = cs
	}
	return out
}

// Len returns the number of distinct callstack shapes interned so far.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.callstacks)
}
