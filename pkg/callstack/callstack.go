// Package callstack models one thread's mutable call stack: an ordered
// sequence of call-site IDs, root frame first, plus the one-slot
// memoization of the last-issued (line, PathId) that keeps per-allocation
// interning off the hot path (spec.md §4.4).
package callstack

import (
	"strconv"
	"strings"

	"github.com/sorousht/filtrace/pkg/funccatalog"
)

// LineKind distinguishes a resolved line number from one that's still
// pending lazy bytecode-offset resolution (spec.md §3, "Dynamic" call
// sites — some host-language versions compute the line lazily).
type LineKind int

const (
	// LineResolved means Line holds a real 1-indexed source line.
	LineResolved LineKind = iota
	// LinePending means BytecodeIndex holds a bytecode offset the host
	// hasn't resolved to a line yet.
	LinePending
)

// LineInfo is the tagged union spec.md §3 calls `line_number_info`.
type LineInfo struct {
	Kind          LineKind
	Line          uint32
	BytecodeIndex int32
}

// Resolved returns a resolved LineInfo.
func Resolved(line uint32) LineInfo { return LineInfo{Kind: LineResolved, Line: line} }

// Pending returns a LineInfo awaiting resolution from a bytecode index.
func Pending(bytecodeIndex int32) LineInfo {
	return LineInfo{Kind: LinePending, BytecodeIndex: bytecodeIndex}
}

// CallSite identifies one call site: a function plus a line (spec.md §3).
type CallSite struct {
	Function funccatalog.FunctionID
	Line     LineInfo
}

// Callstack is an ordered sequence of call sites, root frame first. Two
// callstacks are equal (for interning) iff their sequences of sites are
// equal; the memoized last-issued path id is not part of that identity.
type Callstack struct {
	calls []CallSite

	// memoLine/memoPathID/memoValid implement the one-slot memoization
	// cache from spec.md §4.4: successive allocations at the same line
	// share a path and must not recompute the interner lookup.
	memoLine   uint32
	memoPathID uint32
	memoValid  bool
}

// New returns an empty callstack (no host frames on it).
func New() *Callstack {
	return &Callstack{}
}

// Len reports how many frames are on the stack.
func (c *Callstack) Len() int { return len(c.calls) }

// StartCall pushes a new call site. If parentLine is non-zero, the
// caller's just-advertised line (the current top frame, before the push)
// is overwritten first — the interpreter only learns the caller's true
// line once the callee is entered. Invalidates the memoized path id.
func (c *Callstack) StartCall(parentLine uint32, site CallSite) {
	if parentLine != 0 && len(c.calls) > 0 {
		top := &c.calls[len(c.calls)-1]
		top.Line = Resolved(parentLine)
	}
	c.calls = append(c.calls, site)
	c.memoValid = false
}

// FinishCall pops the top call site. Invalidates the memoized path id.
func (c *Callstack) FinishCall() {
	if len(c.calls) == 0 {
		return
	}
	c.calls = c.calls[:len(c.calls)-1]
	c.memoValid = false
}

// SetCurrentLine overwrites the current top frame's line in place,
// resolving a previously-pending bytecode-index line, or simply updating
// it. A no-op on an empty stack.
func (c *Callstack) SetCurrentLine(line uint32) {
	if len(c.calls) == 0 {
		return
	}
	c.calls[len(c.calls)-1].Line = Resolved(line)
	c.memoValid = false
}

// IDForNewAllocation returns the PathId to attribute a new allocation at
// currentLine to. If the memoized entry matches currentLine, it's
// returned without calling intern (the hot path). Otherwise the top
// frame's line is updated (if currentLine != 0) and intern is invoked;
// the result is memoized for next time.
func (c *Callstack) IDForNewAllocation(currentLine uint32, intern func(*Callstack) uint32) uint32 {
	if c.memoValid && c.memoLine == currentLine {
		return c.memoPathID
	}
	if currentLine != 0 {
		c.SetCurrentLine(currentLine)
	}
	id := intern(c)
	c.memoLine = currentLine
	c.memoPathID = id
	c.memoValid = true
	return id
}

// Sites returns the call sites, root first. Callers must not mutate the
// returned slice.
func (c *Callstack) Sites() []CallSite {
	return c.calls
}

// Clone returns an independent copy, for thread-boundary handoff and
// cache dumping (spec.md §3).
func (c *Callstack) Clone() *Callstack {
	clone := &Callstack{calls: make([]CallSite, len(c.calls))}
	copy(clone.calls, c.calls)
	return clone
}

// Key returns a value usable as a hashmap key identifying this
// callstack's sequence of call sites (the memoization fields are not
// part of the key). Used by pkg/pathintern.
func (c *Callstack) Key() string {
	var b strings.Builder
	for _, site := range c.calls {
		b.WriteString(strconv.FormatUint(uint64(site.Function), 36))
		b.WriteByte(':')
		if site.Line.Kind == LineResolved {
			b.WriteString(strconv.FormatUint(uint64(site.Line.Line), 36))
		} else {
			b.WriteByte('p')
			b.WriteString(strconv.FormatInt(int64(site.Line.BytecodeIndex), 36))
		}
		b.WriteByte(';')
	}
	return b.String()
}

// FrameText renders one call site as "filename:line (function)", per the
// collapsed-stack grammar in spec.md §6.
func FrameText(functionName, filename string, line uint32) string {
	var b strings.Builder
	b.WriteString(filename)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(uint64(line), 10))
	b.WriteString(" (")
	b.WriteString(functionName)
	b.WriteByte(')')
	return b.String()
}
