package perf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIntrospector struct {
	mu      sync.Mutex
	threads map[uint64]struct {
		filename, function string
		line                uint32
		state               ThreadState
	}
}

func newFakeIntrospector() *fakeIntrospector {
	return &fakeIntrospector{threads: make(map[uint64]struct {
		filename, function string
		line                uint32
		state               ThreadState
	})}
}

func (f *fakeIntrospector) set(tid uint64, filename, function string, line uint32, state ThreadState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[tid] = struct {
		filename, function string
		line                uint32
		state               ThreadState
	}{filename, function, line, state}
}

func (f *fakeIntrospector) LiveThreads(exclude uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uint64
	for tid := range f.threads {
		if tid != exclude {
			ids = append(ids, tid)
		}
	}
	return ids, nil
}

func (f *fakeIntrospector) TopFrame(tid uint64) (filename, functionName string, line uint32, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, found := f.threads[tid]
	if !found {
		return "", "", 0, false
	}
	return t.filename, t.function, t.line, true
}

func (f *fakeIntrospector) ThreadState(tid uint64) (ThreadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[tid].state, nil
}

func TestClassifyLinuxState(t *testing.T) {
	assert.Equal(t, Running, ClassifyLinuxState('R'))
	assert.Equal(t, Uninterruptible, ClassifyLinuxState('D'))
	assert.Equal(t, Waiting, ClassifyLinuxState('S'))
	assert.Equal(t, Other, ClassifyLinuxState('Z'))
	assert.Equal(t, Other, ClassifyLinuxState('T'))
}

func TestSampler_ExcludesSelfThread(t *testing.T) {
	catalog := funccatalog.New()
	intro := newFakeIntrospector()
	intro.set(1, "a.py", "af", 10, Running)
	intro.set(2, "b.py", "bf", 20, Waiting)

	s := New(catalog, intro, 2, nil)
	s.tick()

	lines := s.Lines(false, nil)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "a.py:10 (af)")
}

func TestSampler_AccumulatesSamplesPerCallstack(t *testing.T) {
	catalog := funccatalog.New()
	intro := newFakeIntrospector()
	intro.set(1, "a.py", "af", 10, Running)

	s := New(catalog, intro, 999, nil)
	s.tick()
	s.tick()
	s.tick()

	lines := s.Lines(false, nil)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], " 3")
}

func TestSampler_SkipsThreadsWithNoTopFrame(t *testing.T) {
	catalog := funccatalog.New()
	intro := newFakeIntrospector()
	// thread 1 registered with LiveThreads but with no TopFrame entry:
	intro.mu.Lock()
	intro.threads[1] = struct {
		filename, function string
		line                uint32
		state               ThreadState
	}{}
	delete(intro.threads, 1)
	intro.mu.Unlock()

	s := New(catalog, intro, 999, nil)
	s.tick()
	assert.Empty(t, s.Lines(false, nil))
}

func TestSampler_RunStopsOnContextCancel(t *testing.T) {
	catalog := funccatalog.New()
	intro := newFakeIntrospector()
	intro.set(1, "a.py", "af", 10, Running)

	s := New(catalog, intro, 999, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*Cadence)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	lines := s.Lines(false, nil)
	require.Len(t, lines, 1)
}
