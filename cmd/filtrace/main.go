// Command filtrace is a demonstration and integration harness for the
// allocation-tracking engine: it drives a synthetic call-stack workload
// through the same boundary-layer entry points a real interposition shim
// would call, prints a live table of current/peak usage, and on exit dumps
// the peak-memory flamegraph (and an out-of-memory one, if the estimator
// fires). It exists to exercise pkg/tracker, pkg/boundary, pkg/oom, and
// pkg/perf end-to-end without requiring a cgo shim and a real interpreter.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/sorousht/filtrace/pkg/boundary"
	"github.com/sorousht/filtrace/pkg/metrics"
	"github.com/sorousht/filtrace/pkg/oom"
	"github.com/sorousht/filtrace/pkg/perf"
	"github.com/sorousht/filtrace/pkg/svgrender"
	"github.com/sorousht/filtrace/pkg/tracker"
	"github.com/sorousht/filtrace/pkg/types"
)

type opts struct {
	samples     int
	interval    time.Duration
	outputDir   string
	pretty      bool
	performance bool
	oomDemo     bool
	metricsAddr string
	seed        int64
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "filtrace",
		Short: "Deterministic allocation profiler demonstration harness",
		Long: `filtrace drives a synthetic call-stack workload through the same
boundary-layer entry points a real allocator-interposition shim would call,
then dumps peak-memory and (optionally) performance flamegraphs to an
output directory.

Examples:
  filtrace --samples 50 --interval 20ms --output ./filtrace-out
  filtrace --oom-demo --output ./filtrace-out
  filtrace --performance --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().IntVarP(&o.samples, "samples", "s", 40, "number of synthetic allocation ticks to run (0 = until Ctrl-C)")
	root.Flags().DurationVarP(&o.interval, "interval", "i", 10*time.Millisecond, "tick interval")
	root.Flags().StringVarP(&o.outputDir, "output", "o", "filtrace-out", "directory to write flamegraph artifacts into")
	root.Flags().BoolVar(&o.pretty, "pretty", true, "print a live table instead of quiet mode")
	root.Flags().BoolVar(&o.performance, "performance", false, "also run the C8 thread-state sampler and dump performance.*")
	root.Flags().BoolVar(&o.oomDemo, "oom-demo", false, "use an artificially tiny memory budget to demonstrate the OOM path")
	root.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	root.Flags().Int64Var(&o.seed, "seed", 1, "PRNG seed for the synthetic workload (reproducibility)")

	if err := root.Execute(); err != nil {
		logrus.StandardLogger().WithError(err).Error("filtrace: fatal")
		if errors.Is(err, errOutOfMemory) {
			// spec.md §6: exit 53 when the OOM estimator fires and the
			// tracker voluntarily terminates after dumping.
			os.Exit(53)
		}
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if os.Getenv("FIL_DEBUG") == "1" {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

func run(ctx context.Context, o opts) error {
	log := newLogger()

	tr := tracker.New(o.outputDir, log)

	var est *oom.Estimator
	if os.Getenv("__FIL_DISABLE_OOM_DETECTION") == "1" {
		est = oom.Disabled()
	} else if o.oomDemo {
		// An artificial budget that the synthetic workload will exceed
		// within a handful of ticks, to exercise the dump-and-exit path.
		calls := 0
		avail := func() (uint64, error) {
			calls++
			if calls < 3 {
				return 200 * 1024 * 1024, nil
			}
			return 10 * 1024 * 1024, nil // below the 100MiB floor
		}
		est = oom.New(256*1024*1024, avail, log)
	} else {
		avail := func() (uint64, error) { return systemAvailableMemory(tr.CurrentBytes) }
		est = oom.New(defaultTotalMemory(), avail, log)
	}

	b := boundary.New(tr, est, log)
	renderer := svgrender.New()

	var cancelSampler context.CancelFunc
	var sampler *perf.Sampler
	if o.performance {
		var sctx context.Context
		sctx, cancelSampler = context.WithCancel(ctx)
		introspector := &syntheticIntrospector{}
		sampler = perf.New(tr.Catalog(), introspector, selfThreadID, log)
		go sampler.Run(sctx)
		defer cancelSampler()
	}

	if o.metricsAddr != "" {
		collector := metrics.NewCollector(tr, est)
		reg := prometheus.NewRegistry()
		if err := reg.Register(collector); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: o.metricsAddr, Handler: mux}
		go func() {
			log.WithField("addr", o.metricsAddr).Info("filtrace: serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("filtrace: metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var tw *tabwriter.Writer
	if o.pretty {
		tw = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TICK\tCURRENT\tPEAK\tLOST FREES\tUNKNOWN FREES")
		fmt.Fprintln(tw, "----\t-------\t----\t----------\t-------------")
		tw.Flush()
	}

	workload := newSyntheticWorkload(b, rand.New(rand.NewSource(o.seed)))

	tick := 0
	oomFired := false
	for {
		select {
		case <-ctx.Done():
			log.Info("filtrace: interrupted")
			goto END
		case <-ticker.C:
			tick++
			size := workload.step()

			if b.TooBigAllocation(size) {
				oomFired = true
				log.Warn("filtrace: OOM estimator fired, dumping and stopping")
				goto END
			}

			if o.pretty {
				lost, unknown := tr.Diagnostics()
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", tick,
					types.Bytes(tr.CurrentBytes()).Humanized(), types.Bytes(tr.PeakBytes()).Humanized(),
					lost, unknown)
				tw.Flush()
			}

			if o.samples > 0 && tick >= o.samples {
				goto END
			}
		}
	}

END:
	if oomFired {
		if err := b.DumpOutOfMemory(o.outputDir, renderer); err != nil {
			log.WithError(err).Error("filtrace: failed to dump out-of-memory artifacts")
		}
		printDiagnostics(log, tr)
		return errOutOfMemory
	}

	if err := b.DumpPeak(o.outputDir, nil, renderer); err != nil {
		log.WithError(err).Error("filtrace: failed to dump peak artifacts")
	}

	if sampler != nil {
		cancelSampler()
		if err := b.DumpPerformance(o.outputDir, sampler, renderer); err != nil {
			log.WithError(err).Error("filtrace: failed to dump performance artifacts")
		}
	}

	printDiagnostics(log, tr)
	fmt.Printf("\nwrote artifacts to %s (peak %s over %d ticks)\n", o.outputDir, types.Bytes(tr.PeakBytes()).Humanized(), tick)
	return nil
}

func printDiagnostics(log *logrus.Logger, tr *tracker.Tracker) {
	lost, unknown := tr.Diagnostics()
	if lost == 0 && unknown == 0 {
		return
	}
	warn := color.New(color.FgYellow, color.Bold).SprintFunc()
	fmt.Printf("%s lost-free attributions: %d, unknown frees: %d, interned paths: %d\n",
		warn("warning:"), lost, unknown, tr.InternedPaths())
}

const selfThreadID = 0

var errOutOfMemory = errors.New("filtrace: out of memory")
