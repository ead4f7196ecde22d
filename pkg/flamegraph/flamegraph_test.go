package flamegraph

import (
	"os"
	"testing"

	"github.com/sorousht/filtrace/pkg/callstack"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/pathintern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterToUsefulCallstacks_DropsZeroEntries(t *testing.T) {
	totals := map[pathintern.PathID]uint64{1: 0, 2: 100}
	out := FilterToUsefulCallstacks(totals, 100)
	require.Len(t, out, 1)
	assert.EqualValues(t, 2, out[0].Path)
}

func TestFilterToUsefulCallstacks_SortsDescending(t *testing.T) {
	totals := map[pathintern.PathID]uint64{1: 30, 2: 1000, 3: 50, 4: 20, 5: 10}
	out := FilterToUsefulCallstacks(totals, 1110)
	require.Len(t, out, 5)
	assert.EqualValues(t, 1000, out[0].Bytes)
	assert.EqualValues(t, 50, out[1].Bytes)
	assert.EqualValues(t, 30, out[2].Bytes)
	assert.EqualValues(t, 20, out[3].Bytes)
	assert.EqualValues(t, 10, out[4].Bytes)
}

func TestFilterToUsefulCallstacks_ScenarioS6(t *testing.T) {
	// spec scenario S6: {1000, 50, 30, 20, 10}, total 1110, 99% = 1098.9.
	// Running sum crosses the threshold at the 4th entry (1000+50+30+20=1100);
	// nothing is left to stop early on, so all five survive.
	totals := map[pathintern.PathID]uint64{1: 1000, 2: 50, 3: 30, 4: 20, 5: 10}
	out := FilterToUsefulCallstacks(totals, 1110)
	assert.Len(t, out, 5)
}

func TestFilterToUsefulCallstacks_ContextExtendsPastHundredWhenCrossingIsLate(t *testing.T) {
	// 150 equal-weight entries; 99% of the total isn't crossed until well
	// past the 100th entry, so the output must extend to the crossing
	// point itself (then stop at the very next entry), not cut off flat
	// at 100.
	totals := make(map[pathintern.PathID]uint64, 150)
	for i := 0; i < 150; i++ {
		totals[pathintern.PathID(i)] = 1
	}
	out := FilterToUsefulCallstacks(totals, 150)
	assert.Greater(t, len(out), 100)
}

func TestFilterToUsefulCallstacks_RemovingAnyEntryDropsBelowThreshold(t *testing.T) {
	// One dominant entry plus 299 weight-1 entries. Property 7(d): once
	// the output has more than 100 entries, removing any single one of
	// them must drop the running sum to <= 99% of the total — there's no
	// flat 99-entry grace window past the crossing point that could leave
	// removable low-weight entries in the output.
	totals := make(map[pathintern.PathID]uint64, 300)
	totals[0] = 10000
	for i := 1; i < 300; i++ {
		totals[pathintern.PathID(i)] = 1
	}
	const total = 10299
	out := FilterToUsefulCallstacks(totals, total)

	require.Greater(t, len(out), 100)

	threshold := uint64(total) * thresholdNumerator / thresholdDenominator
	var sum uint64
	for _, e := range out {
		sum += e.Bytes
	}
	require.Greater(t, sum, threshold)

	for _, e := range out {
		assert.LessOrEqual(t, sum-e.Bytes, threshold,
			"removing entry %d should drop the sum to <= 99%% of total", e.Path)
	}
}

func TestFilterToUsefulCallstacks_NeverExceedsMax(t *testing.T) {
	totals := make(map[pathintern.PathID]uint64, 20000)
	var total uint64
	for i := 0; i < 20000; i++ {
		totals[pathintern.PathID(i)] = 1
		total++
	}
	out := FilterToUsefulCallstacks(totals, total)
	assert.LessOrEqual(t, len(out), maxEntries)
}

func TestRenderLines_BasicFormat(t *testing.T) {
	catalog := funccatalog.New()
	fid := catalog.Add("a.py", "af")

	cs := callstack.New()
	cs.StartCall(0, callstack.CallSite{Function: fid, Line: callstack.Resolved(10)})

	interner := pathintern.New()
	id := interner.Intern(cs, nil)

	entries := []Entry{{Path: id, Bytes: 1000}}
	lines := RenderLines(entries, interner.Reverse(), catalog, false, nil)
	require.Len(t, lines, 1)
	assert.Equal(t, "a.py:10 (af) 1000", lines[0])
}

func TestRenderLines_EmptyStackUsesPlaceholder(t *testing.T) {
	catalog := funccatalog.New()
	interner := pathintern.New()
	cs := callstack.New()
	id := interner.Intern(cs, nil)

	lines := RenderLines([]Entry{{Path: id, Bytes: 5}}, interner.Reverse(), catalog, false, nil)
	require.Len(t, lines, 1)
	assert.Equal(t, "[No stack] 5", lines[0])
}

func TestRenderLines_PostProcessedEscapesSentinels(t *testing.T) {
	catalog := funccatalog.New()
	fid := catalog.Add("a.py", "af")
	cs := callstack.New()
	cs.StartCall(0, callstack.CallSite{Function: fid, Line: callstack.Resolved(10)})
	interner := pathintern.New()
	id := interner.Intern(cs, nil)

	source := func(filename string, line uint32) (string, bool) {
		return "x = f(a; b)", true
	}
	lines := RenderLines([]Entry{{Path: id, Bytes: 7}}, interner.Reverse(), catalog, true, source)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "f(a; b)")
	restored := RestoreSentinels(lines[0])
	assert.Contains(t, restored, "f(a; b)")
}

func TestWriteLines_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.prof"
	require.NoError(t, WriteLines([]string{"a 1", "b 2"}, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a 1\nb 2\n", string(data))
}

func TestPostProcessSVG_SubstitutesSubtitleAndRestoresSentinels(t *testing.T) {
	svg := []byte("<text>" + SubtitlePlaceholder + "</text><text>a" + string(sentinelSemicolon) + "b</text>")
	out := PostProcessSVG(svg, "Peak: 5 MiB")
	assert.Contains(t, string(out), "Peak: 5 MiB")
	assert.Contains(t, string(out), "a;b")
	assert.NotContains(t, string(out), SubtitlePlaceholder)
}
