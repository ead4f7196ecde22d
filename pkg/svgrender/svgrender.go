// Package svgrender is a minimal flamegraph.Renderer: it draws collapsed
// stacks as stacked boxes without any layout intelligence beyond counting
// frame depth and proportional width. The original profiler shells out to
// an inferno-flamegraph-equivalent renderer; no such library exists
// anywhere in the retrieved pack, so this fills the collaborator interface
// with the simplest thing that produces a valid, inspectable SVG.
package svgrender

import (
	"fmt"
	"html"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sorousht/filtrace/pkg/flamegraph"
)

const (
	width     = 1200
	rowHeight = 18
)

type frame struct {
	name   string
	depth  int
	x0, x1 float64 // fraction of width, [0,1)
	bytes  uint64
}

// Renderer implements flamegraph.Renderer with stdlib-only SVG output.
type Renderer struct{}

// New returns a Renderer.
func New() *Renderer { return &Renderer{} }

// Render writes lines (collapsed-stack text, one "frame;frame;... count"
// line each) as a stacked-box SVG to w.
func (Renderer) Render(lines []string, opts flamegraph.RenderOptions, w *os.File) error {
	frames, total, maxDepth := layout(lines, opts.Reversed)

	height := (maxDepth+1)*rowHeight + 60
	fmt.Fprintf(w, `<?xml version="1.0" standalone="no"?>`+"\n")
	fmt.Fprintf(w, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" font-family="monospace" font-size="11">`+"\n", width, height)
	fmt.Fprintf(w, `<rect x="0" y="0" width="%d" height="%d" fill="#ffffff"/>`+"\n", width, height)
	fmt.Fprintf(w, `<text x="10" y="18" font-size="16">%s</text>`+"\n", html.EscapeString(opts.Title))
	fmt.Fprintf(w, `<text x="10" y="36">%s (peak %.1f MiB, %d %s)</text>`+"\n",
		html.EscapeString(flamegraph.SubtitlePlaceholder), opts.PeakBytesMiB, total, opts.CountName)

	for _, f := range frames {
		x := f.x0 * width
		boxWidth := (f.x1 - f.x0) * width
		if boxWidth < 0.5 {
			continue
		}
		y := 50 + f.depth*rowHeight
		color := shade(f.depth)
		fmt.Fprintf(w, `<g><rect x="%s" y="%d" width="%s" height="%d" fill="%s" stroke="#fff"/>`,
			fmtNum(x), y, fmtNum(boxWidth), rowHeight-1, color)
		if boxWidth > 28 {
			fmt.Fprintf(w, `<text x="%s" y="%d" clip-path="inset(0 0 0 0)">%s</text>`,
				fmtNum(x+2), y+rowHeight-5, html.EscapeString(truncate(f.name, boxWidth)))
		}
		fmt.Fprintf(w, `</g>`+"\n")
	}

	fmt.Fprintf(w, `</svg>`+"\n")
	return nil
}

// layout parses collapsed-stack lines into positioned frame boxes using
// the classic flamegraph algorithm: siblings are stacked left-to-right
// proportional to their byte counts, children nest directly under the
// last frame of their parent's line.
func layout(lines []string, reversed bool) ([]frame, uint64, int) {
	type stack struct {
		path  []string
		count uint64
	}
	var stacks []stack
	var total uint64
	maxDepth := 0

	for _, line := range lines {
		idx := strings.LastIndex(line, " ")
		if idx < 0 {
			continue
		}
		pathPart := line[:idx]
		n, err := strconv.ParseUint(line[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		frames := strings.Split(pathPart, ";")
		if reversed {
			for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
				frames[i], frames[j] = frames[j], frames[i]
			}
		}
		if len(frames) > maxDepth {
			maxDepth = len(frames)
		}
		stacks = append(stacks, stack{path: frames, count: n})
		total += n
	}

	sort.SliceStable(stacks, func(i, j int) bool {
		return strings.Join(stacks[i].path, ";") < strings.Join(stacks[j].path, ";")
	})

	var frames []frame
	var x float64
	if total == 0 {
		return frames, 0, maxDepth
	}
	for _, s := range stacks {
		x0 := x
		x1 := x + float64(s.count)/float64(total)
		for depth, name := range s.path {
			frames = append(frames, frame{name: name, depth: depth, x0: x0, x1: x1, bytes: s.count})
		}
		x = x1
	}
	return frames, total, maxDepth
}

func shade(depth int) string {
	palette := []string{"#f8b195", "#f67280", "#c06c84", "#6c5b7b", "#355c7d"}
	return palette[depth%len(palette)]
}

func truncate(s string, widthPx float64) string {
	maxChars := int(widthPx / 6.5)
	if maxChars < 1 {
		maxChars = 1
	}
	if len(s) <= maxChars {
		return s
	}
	if maxChars <= 1 {
		return s[:1]
	}
	return s[:maxChars-1] + "…"
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
