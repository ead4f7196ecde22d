package boundary

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/sorousht/filtrace/pkg/flamegraph"
)

// writeFlamegraphArtifacts writes the full output set for one dump: the
// plain .prof text, and (when a renderer is supplied) the default and
// reversed SVGs, matching spec.md §6's artifact naming — "peak-memory",
// "out-of-memory", "performance" are the only base names ever passed in.
func writeFlamegraphArtifacts(outputDir, base, title string, peakBytes uint64, lines []string, withSource bool, renderer flamegraph.Renderer) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrapf(err, "create output dir %s", outputDir)
	}

	profSuffix := ""
	if withSource {
		// source-enriched .prof is a transient input to SVG rendering,
		// deleted once the SVGs exist (spec.md §6).
		profSuffix = "-source"
	}
	profPath := filepath.Join(outputDir, base+profSuffix+".prof")
	if err := flamegraph.WriteLines(lines, profPath); err != nil {
		return errors.Wrapf(err, "write %s", profPath)
	}

	if renderer == nil {
		return nil
	}

	peakMiB := float64(peakBytes) / (1024 * 1024)
	if err := renderSVG(renderer, lines, outputDir, base, title, peakMiB, false); err != nil {
		return err
	}
	if err := renderSVG(renderer, lines, outputDir, base, title, peakMiB, true); err != nil {
		return err
	}

	if withSource {
		if err := os.Remove(profPath); err != nil {
			return errors.Wrapf(err, "remove transient %s", profPath)
		}
	}
	return nil
}

func renderSVG(renderer flamegraph.Renderer, lines []string, outputDir, base, title string, peakMiB float64, reversed bool) error {
	name := base + ".svg"
	if reversed {
		name = base + "-reversed.svg"
	}
	path := filepath.Join(outputDir, name)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	opts := flamegraph.RenderOptions{
		Title:         title,
		CountName:     "bytes",
		Reversed:      reversed,
		PostProcessed: true,
		PeakBytesMiB:  peakMiB,
	}
	if err := renderer.Render(lines, opts, f); err != nil {
		return errors.Wrapf(err, "render %s", path)
	}

	svg, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read back %s for post-processing", path)
	}
	subtitle := title
	processed := flamegraph.PostProcessSVG(svg, subtitle)
	if err := os.WriteFile(path, processed, 0o644); err != nil {
		return errors.Wrapf(err, "write post-processed %s", path)
	}
	return nil
}
