package perf

import (
	"github.com/sorousht/filtrace/pkg/system/proc"
)

// FrameSource is the genuinely host-specific half of HostIntrospector: only
// the host language knows which threads are alive and what each one's top
// call frame looks like. OS-level thread run state, by contrast, is cheaper
// and more reliably read straight from the kernel than relayed through the
// host, so it doesn't belong on this interface.
type FrameSource interface {
	LiveThreads(excludeThreadID uint64) ([]uint64, error)
	TopFrame(threadID uint64) (filename, functionName string, line uint32, ok bool)
}

// ProcessIntrospector adapts a FrameSource into a full HostIntrospector by
// classifying thread state directly from /proc, treating the supplied
// thread IDs as Linux task IDs (tids) under PID.
type ProcessIntrospector struct {
	Frames FrameSource
	PID    int
}

// NewProcessIntrospector returns an introspector that sources frames from
// frames and OS thread state from /proc/<pid>/task/<tid>/stat.
func NewProcessIntrospector(frames FrameSource, pid int) *ProcessIntrospector {
	return &ProcessIntrospector{Frames: frames, PID: pid}
}

func (p *ProcessIntrospector) LiveThreads(excludeThreadID uint64) ([]uint64, error) {
	return p.Frames.LiveThreads(excludeThreadID)
}

func (p *ProcessIntrospector) TopFrame(threadID uint64) (filename, functionName string, line uint32, ok bool) {
	return p.Frames.TopFrame(threadID)
}

// ThreadState classifies threadID's current OS-level state by reading its
// /proc/<pid>/task/<tid>/stat state character, bypassing the host entirely.
func (p *ProcessIntrospector) ThreadState(threadID uint64) (ThreadState, error) {
	state, err := proc.ReadTaskState(p.PID, int(threadID))
	if err != nil {
		return Other, err
	}
	return ClassifyLinuxState(state), nil
}
