package boundary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorousht/filtrace/pkg/flamegraph"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/tracker"
)

type fakeRenderer struct{ calls int }

func (f *fakeRenderer) Render(lines []string, opts flamegraph.RenderOptions, w *os.File) error {
	f.calls++
	_, err := w.WriteString(opts.Title + "\n" + flamegraph.SubtitlePlaceholder)
	return err
}

func newTestBoundary(t *testing.T) (*Boundary, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New(t.TempDir(), nil)
	b := New(tr, nil, nil)
	return b, tr
}

func TestAddFunctionLocation_InternsThroughTrackerCatalog(t *testing.T) {
	b, tr := newTestBoundary(t)
	id := b.AddFunctionLocation("a.py", "af")
	assert.NotEqual(t, funccatalog.Unknown, id)

	fn, file := tr.Catalog().Lookup(id)
	assert.Equal(t, "af", fn)
	assert.Equal(t, "a.py", file)
}

func TestStartFinishCall_TracksCallstackPerThread(t *testing.T) {
	b, _ := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")

	b.StartCall(1, 0, fid, 10)
	cs := b.GetCurrentCallstack(1)
	require.Equal(t, 1, cs.Len())

	b.FinishCall(1)
	cs = b.GetCurrentCallstack(1)
	assert.Equal(t, 0, cs.Len())
}

func TestAddAllocation_AttributesToThreadsCallstack(t *testing.T) {
	b, tr := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)

	b.AddAllocation(1, tracker.Root, 0x1000, 4096, 10)
	assert.Equal(t, uint64(4096), tr.CurrentBytes())
}

func TestGetAllocationSize_ReportsSizeThenUnknownAfterFree(t *testing.T) {
	b, _ := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)
	b.AddAllocation(1, tracker.Root, 0x1000, 4096, 10)

	size, ok := b.GetAllocationSize(tracker.Root, 0x1000)
	assert.True(t, ok)
	assert.Equal(t, uint64(4096), size)

	b.FreeAllocation(tracker.Root, 0x1000)
	_, ok = b.GetAllocationSize(tracker.Root, 0x1000)
	assert.False(t, ok)
}

func TestFreeAllocation_ReleasesTrackedAddress(t *testing.T) {
	b, tr := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)
	b.AddAllocation(1, tracker.Root, 0x1000, 4096, 10)

	freed, ok := b.FreeAllocation(tracker.Root, 0x1000)
	assert.True(t, ok)
	assert.Equal(t, uint64(4096), freed)
	assert.Equal(t, uint64(0), tr.CurrentBytes())
}

func TestAddAnonMmapAndFree_PartialRelease(t *testing.T) {
	b, tr := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)

	b.AddAnonMmap(1, tracker.Root, 0x10000, 4096, 10)
	freed := b.FreeAnonMmap(tracker.Root, 0x10100, 2048)
	assert.Equal(t, uint64(2048), freed)
	assert.Equal(t, uint64(2048), tr.CurrentBytes())
}

func TestReleaseThread_SubsequentCallsAreSilentNoops(t *testing.T) {
	b, _ := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)
	b.ReleaseThread(1)

	before, _ := b.Diagnostics()
	b.StartCall(1, 0, fid, 20)
	after, _ := b.Diagnostics()
	assert.Equal(t, before+1, after)
}

func TestSetCurrentCallstack_RevivesARetiredThread(t *testing.T) {
	b, _ := newTestBoundary(t)
	b.ReleaseThread(7)

	cs := b.GetCurrentCallstack(1) // empty stack for an unseen thread
	b.SetCurrentCallstack(7, cs)

	before, _ := b.Diagnostics()
	b.FinishCall(7)
	after, _ := b.Diagnostics()
	assert.Equal(t, before, after)
}

func TestClearCurrentCallstack_EmptiesStack(t *testing.T) {
	b, _ := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)

	b.ClearCurrentCallstack(1)
	assert.Equal(t, 0, b.GetCurrentCallstack(1).Len())
}

func TestTooBigAllocation_NilEstimatorNeverReportsOOM(t *testing.T) {
	b, _ := newTestBoundary(t)
	assert.False(t, b.TooBigAllocation(1<<40))
}

func TestDumpPeak_WritesProfAndBothSVGs(t *testing.T) {
	b, _ := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)
	b.AddAllocation(1, tracker.Root, 0x1000, 4096, 10)

	dir := t.TempDir()
	renderer := &fakeRenderer{}
	source := func(filename string, line uint32) (string, bool) { return "x = 1", true }
	err := b.DumpPeak(dir, source, renderer)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "peak-memory.svg"))
	assert.FileExists(t, filepath.Join(dir, "peak-memory-reversed.svg"))
	assert.NoFileExists(t, filepath.Join(dir, "peak-memory-source.prof"))
	assert.NoFileExists(t, filepath.Join(dir, "peak-memory.prof"))
	assert.Equal(t, 2, renderer.calls)
}

func TestDumpPeak_WithoutSourceKeepsPlainProf(t *testing.T) {
	b, _ := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)
	b.AddAllocation(1, tracker.Root, 0x1000, 4096, 10)

	dir := t.TempDir()
	err := b.DumpPeak(dir, nil, nil)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "peak-memory.prof"))
}

func TestDumpOutOfMemory_WritesOOMArtifacts(t *testing.T) {
	b, _ := newTestBoundary(t)
	fid := b.AddFunctionLocation("a.py", "af")
	b.StartCall(1, 0, fid, 10)
	b.AddAllocation(1, tracker.Root, 0x1000, 4096, 10)

	dir := t.TempDir()
	renderer := &fakeRenderer{}
	err := b.DumpOutOfMemory(dir, renderer)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "out-of-memory.svg"))
	assert.FileExists(t, filepath.Join(dir, "out-of-memory-reversed.svg"))
}
