// Package funccatalog deduplicates (filename, function name) pairs into
// dense 64-bit identifiers, so callstacks can reference call sites by ID
// instead of carrying strings around.
package funccatalog

import "sync"

// FunctionID is a dense, process-lifetime-stable identifier for a
// (filename, function name) pair.
type FunctionID uint64

// Unknown is returned when the catalog lock couldn't be acquired at entry
// time (spec.md §3, "the catalog lock could not be acquired") — used only
// on the reentrant dump path to avoid deadlocking against host
// introspection.
const Unknown FunctionID = 0

const (
	unknownFilename = "UNKNOWN DUE TO BUG"
	unknownFunction = "UNKNOWN"
)

type location struct {
	filename     string
	functionName string
}

// Catalog is an append-only store of function locations. It is safe for
// concurrent use; callers needing the central tracker lock anyway (C5)
// can rely on that instead, but the catalog defends itself regardless
// since C8's sampler and C9's boundary layer both call into it directly.
type Catalog struct {
	mu        sync.RWMutex
	locations []location
	ids       map[location]FunctionID
}

// New returns an empty catalog. Index 0 is reserved for Unknown and is
// never handed out by Add.
func New() *Catalog {
	return &Catalog{
		locations: []location{{}}, // placeholder for index 0 (Unknown)
		ids:       make(map[location]FunctionID),
	}
}

// Add returns the FunctionID for (filename, functionName), creating a new
// entry on first observation. Stable and idempotent for the process
// lifetime.
func (c *Catalog) Add(filename, functionName string) FunctionID {
	loc := location{filename: filename, functionName: functionName}

	c.mu.RLock()
	if id, ok := c.ids[loc]; ok {
		c.mu.RUnlock()
		return id
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[loc]; ok {
		return id
	}
	id := FunctionID(len(c.locations))
	c.locations = append(c.locations, loc)
	c.ids[loc] = id
	return id
}

// Lookup returns the (functionName, filename) for id. The Unknown
// sentinel, or any id this catalog never issued, returns the literal
// "UNKNOWN" / "UNKNOWN DUE TO BUG" strings per spec.md §4.3.
func (c *Catalog) Lookup(id FunctionID) (functionName, filename string) {
	if id == Unknown {
		return unknownFunction, unknownFilename
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(id) >= len(c.locations) {
		return unknownFunction, unknownFilename
	}
	loc := c.locations[id]
	return loc.functionName, loc.filename
}

// TryAdd behaves like Add but never blocks: if a new entry is needed and
// the write lock can't be acquired immediately, it returns (Unknown,
// false) instead of waiting. Used on the reentrant dump path (spec.md
// §4.9) where a host-triggered allocation might race a dump that's
// already holding this catalog.
func (c *Catalog) TryAdd(filename, functionName string) (FunctionID, bool) {
	loc := location{filename: filename, functionName: functionName}

	c.mu.RLock()
	if id, ok := c.ids[loc]; ok {
		c.mu.RUnlock()
		return id, true
	}
	c.mu.RUnlock()

	if !c.mu.TryLock() {
		return Unknown, false
	}
	defer c.mu.Unlock()

	if id, ok := c.ids[loc]; ok {
		return id, true
	}
	id := FunctionID(len(c.locations))
	c.locations = append(c.locations, loc)
	c.ids[loc] = id
	return id, true
}

// TryRLock attempts to acquire the catalog's read lock without blocking,
// for use on reentrant dump paths (spec.md §4.9) that must not deadlock
// against a concurrent Add. The returned unlock func must be called only
// if ok is true.
func (c *Catalog) TryRLock() (unlock func(), ok bool) {
	if !c.mu.TryRLock() {
		return nil, false
	}
	return c.mu.RUnlock, true
}
