// Package metrics exposes the tracker and OOM estimator as a Prometheus
// Collector, for embedding a scrape endpoint in long-running host
// processes that want live visibility alongside the on-exit flamegraphs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sorousht/filtrace/pkg/oom"
	"github.com/sorousht/filtrace/pkg/tracker"
)

const namespace = "filtrace"

// Collector adapts a Tracker (and optionally an OOM estimator) into
// Prometheus's Describe/Collect interface.
type Collector struct {
	tracker *tracker.Tracker
	oomEst  *oom.Estimator

	currentBytesDesc      *prometheus.Desc
	peakBytesDesc         *prometheus.Desc
	lostFreeDesc          *prometheus.Desc
	unknownFreeDesc       *prometheus.Desc
	internedPathsDesc     *prometheus.Desc
	oomThresholdBytesDesc *prometheus.Desc
}

// NewCollector returns a Collector reading live state from t on every
// scrape. est may be nil if OOM detection is disabled.
func NewCollector(t *tracker.Tracker, est *oom.Estimator) *Collector {
	return &Collector{
		tracker: t,
		oomEst:  est,
		currentBytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "current_allocated_bytes"),
			"Currently tracked allocated bytes across all processes.", nil, nil,
		),
		peakBytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "peak_allocated_bytes"),
			"Peak tracked allocated bytes observed since the last reset.", nil, nil,
		),
		lostFreeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "lost_free_attributions_total"),
			"Allocations that overwrote a still-live address without an intervening free.", nil, nil,
		),
		unknownFreeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "unknown_frees_total"),
			"Frees of an address the tracker never recorded.", nil, nil,
		),
		internedPathsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "interned_call_paths"),
			"Distinct call paths interned so far.", nil, nil,
		),
		oomThresholdBytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "oom_minimum_required_bytes"),
			"Available-memory floor below which the OOM estimator reports out-of-memory.", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.currentBytesDesc
	ch <- c.peakBytesDesc
	ch <- c.lostFreeDesc
	ch <- c.unknownFreeDesc
	ch <- c.internedPathsDesc
	if c.oomEst != nil {
		ch <- c.oomThresholdBytesDesc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.tracker.Lock()
	current := c.tracker.CurrentBytes()
	peak := c.tracker.PeakBytes()
	lostFree, unknownFree := c.tracker.Diagnostics()
	pathCount := c.tracker.InternedPaths()
	c.tracker.Unlock()

	ch <- prometheus.MustNewConstMetric(c.currentBytesDesc, prometheus.GaugeValue, float64(current))
	ch <- prometheus.MustNewConstMetric(c.peakBytesDesc, prometheus.GaugeValue, float64(peak))
	ch <- prometheus.MustNewConstMetric(c.lostFreeDesc, prometheus.CounterValue, float64(lostFree))
	ch <- prometheus.MustNewConstMetric(c.unknownFreeDesc, prometheus.CounterValue, float64(unknownFree))
	ch <- prometheus.MustNewConstMetric(c.internedPathsDesc, prometheus.GaugeValue, float64(pathCount))

	if c.oomEst != nil {
		ch <- prometheus.MustNewConstMetric(c.oomThresholdBytesDesc, prometheus.GaugeValue, float64(c.oomEst.MinimumRequired()))
	}
}
