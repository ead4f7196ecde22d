// Package flamegraph filters aggregated per-path byte totals down to a
// useful subset, renders them as collapsed-stack text, and drives an
// external SVG renderer collaborator to turn that text into flamegraphs.
package flamegraph

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sorousht/filtrace/pkg/callstack"
	"github.com/sorousht/filtrace/pkg/funccatalog"
	"github.com/sorousht/filtrace/pkg/pathintern"
)

const (
	maxEntries           = 10_000
	thresholdNumerator   = 99
	thresholdDenominator = 100
	minContextEntries    = 100

	// SubtitlePlaceholder is embedded in every post-processed SVG's
	// subtitle slot and substituted for the real subtitle after rendering.
	SubtitlePlaceholder = "__FIL-SUBTITLE-HERE__"
)

// Post-processing sentinels: while the collapsed-stack text is round-tripped
// through the SVG renderer, semicolons and spaces inside a frame's source
// excerpt would otherwise be misread as frame or field separators. They're
// swapped for these look-alike-but-distinct runes and restored afterward.
const (
	sentinelSemicolon = '；' // fullwidth semicolon
	sentinelSpace     = 'ዤ' // Ethiopic syllable, visually blank-ish
	emptyFrameMarker  = '⠀' // braille blank pattern
)

// Entry is one surviving (path, bytes) pair after filtering.
type Entry struct {
	Path  pathintern.PathID
	Bytes uint64
}

// FilterToUsefulCallstacks reduces totals to a bounded, high-signal subset:
// zero entries are dropped, the rest sorted by descending bytes, capped at
// maxEntries, and then cut once 99% of totalBytes has been accumulated
// (always keeping at least minContextEntries when available) so rendering
// cost and browser load stay bounded while preserving explanatory power.
func FilterToUsefulCallstacks(totals map[pathintern.PathID]uint64, totalBytes uint64) []Entry {
	entries := lo.FilterMap(lo.Entries(totals), func(kv lo.Entry[pathintern.PathID, uint64], _ int) (Entry, bool) {
		if kv.Value == 0 {
			return Entry{}, false
		}
		return Entry{Path: kv.Key, Bytes: kv.Value}, true
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Bytes > entries[j].Bytes })

	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}

	threshold := totalBytes * thresholdNumerator / thresholdDenominator
	var out []Entry
	var stored uint64
	pastThreshold := false
	for _, e := range entries {
		if pastThreshold && len(out) > minContextEntries-1 {
			break
		}
		stored += e.Bytes
		pastThreshold = stored > threshold
		out = append(out, e)
	}
	return out
}

// SourceLookup resolves a source excerpt for one frame, the external
// source-line enrichment collaborator. Returning ok=false omits the
// excerpt suffix for that frame.
type SourceLookup func(filename string, line uint32) (excerpt string, ok bool)

// RenderLines formats each entry as "frame1;frame2;... bytes" using the
// interner's reverse map for frame sequences and the catalog for names.
// When postProcessed is true, each frame gets a trailing
// ";<emptyFrameMarker><excerpt>" segment (source sentinel-escaped) so the
// SVG renderer preserves it verbatim.
func RenderLines(entries []Entry, reverse map[pathintern.PathID]*callstack.Callstack, catalog *funccatalog.Catalog, postProcessed bool, source SourceLookup) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		cs := reverse[e.Path]
		lines = append(lines, fmt.Sprintf("%s %d", frameSequence(cs, catalog, postProcessed, source), e.Bytes))
	}
	return lines
}

func frameSequence(cs *callstack.Callstack, catalog *funccatalog.Catalog, postProcessed bool, source SourceLookup) string {
	if cs == nil || cs.Len() == 0 {
		return "[No stack]"
	}
	frames := make([]string, 0, cs.Len())
	for _, site := range cs.Sites() {
		functionName, filename := catalog.Lookup(site.Function)
		line := uint32(0)
		if site.Line.Kind == callstack.LineResolved {
			line = site.Line.Line
		}
		frame := callstack.FrameText(functionName, filename, line)
		if postProcessed {
			excerpt := ""
			if source != nil {
				if text, ok := source(filename, line); ok {
					excerpt = escapeSentinels(text)
				}
			}
			frame = fmt.Sprintf("%s;%c%s", frame, emptyFrameMarker, excerpt)
		}
		frames = append(frames, frame)
	}
	return strings.Join(frames, ";")
}

func escapeSentinels(s string) string {
	s = strings.ReplaceAll(s, ";", string(sentinelSemicolon))
	s = strings.ReplaceAll(s, " ", string(sentinelSpace))
	return s
}

// RestoreSentinels undoes escapeSentinels, for post-processing the rendered
// SVG text before it's written out for human consumption.
func RestoreSentinels(s string) string {
	s = strings.ReplaceAll(s, string(sentinelSemicolon), ";")
	s = strings.ReplaceAll(s, string(sentinelSpace), " ")
	return s
}

// WriteLines writes one line per string to path, used for the plain .prof
// text output consumed by automated tooling.
func WriteLines(lines []string, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line); err != nil {
			return err
		}
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

// RenderOptions configures one SVG render pass.
type RenderOptions struct {
	Title         string
	CountName     string
	Reversed      bool
	PostProcessed bool
	PeakBytesMiB  float64
}

// Renderer is the external flamegraph-SVG-generation collaborator (out of
// scope per spec: a library that turns collapsed-stack lines into SVG).
type Renderer interface {
	Render(lines []string, opts RenderOptions, w *os.File) error
}

// PostProcessSVG substitutes the real subtitle for SubtitlePlaceholder and
// restores sentinel characters to their literal form, the final step after
// a postProcessed render.
func PostProcessSVG(svg []byte, subtitle string) []byte {
	text := RestoreSentinels(string(svg))
	text = strings.ReplaceAll(text, SubtitlePlaceholder, subtitle)
	return []byte(text)
}
