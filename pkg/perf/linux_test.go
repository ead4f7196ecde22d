package perf

import (
	"os"
	"testing"

	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameOnlySource struct {
	tid                          uint64
	filename, function           string
	line                         uint32
}

func (f *frameOnlySource) LiveThreads(exclude uint64) ([]uint64, error) {
	if f.tid == exclude {
		return nil, nil
	}
	return []uint64{f.tid}, nil
}

func (f *frameOnlySource) TopFrame(tid uint64) (string, string, uint32, bool) {
	if tid != f.tid {
		return "", "", 0, false
	}
	return f.filename, f.function, f.line, true
}

func TestProcessIntrospector_ClassifiesRealThreadState(t *testing.T) {
	pid := os.Getpid()
	frames := &frameOnlySource{tid: uint64(pid), filename: "a.py", function: "af", line: 10}
	intro := NewProcessIntrospector(frames, pid)

	threads, err := intro.LiveThreads(0)
	require.NoError(t, err)
	require.Len(t, threads, 1)

	state, err := intro.ThreadState(threads[0])
	require.NoError(t, err)
	assert.Contains(t, []ThreadState{Running, Waiting, Uninterruptible, Other}, state)
}

func TestProcessIntrospector_WiredIntoSampler(t *testing.T) {
	pid := os.Getpid()
	frames := &frameOnlySource{tid: uint64(pid), filename: "a.py", function: "af", line: 10}
	intro := NewProcessIntrospector(frames, pid)

	catalog := funccatalog.New()
	s := New(catalog, intro, 0, nil)
	s.tick()

	lines := s.Lines(false, nil)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "a.py:10 (af)")
}
