package runqlat

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"runqlat_exporter/internal/histogram"
	"runqlat_exporter/internal/logger"
)

// HDR range: 1µs up to the open-ended last slot's lower bound, 3 significant figures.
const (
	hdrMin    = 1
	hdrMax    = int64(1) << histogram.Slots
	hdrSigFig = 3
)

// Quantiles exported from the lifetime HDR histogram of each process.
var Quantiles = []float64{50, 90, 99, 99.9}

var latencyBuckets = histogram.UpperBounds()

// Source is what the collector drains. *controller.Controller satisfies it.
type Source interface {
	Drain() (map[uint32]histogram.Histogram, error)
	Tracked() ([]uint32, error)
	Dropped() uint64
}

// Namer resolves a tgid to its process name.
type Namer interface {
	Name(tgid uint32) string
}

// processStats accumulates every drained histogram of one tgid.
type processStats struct {
	name     string
	buckets  [histogram.Slots]uint64
	count    uint64
	sum      float64
	lifetime *hdrhistogram.Histogram
}

func newProcessStats(name string) *processStats {
	return &processStats{
		name:     name,
		lifetime: hdrhistogram.New(hdrMin, hdrMax, hdrSigFig),
	}
}

// Representative returns the value recorded for samples of a slot: the middle
// of its range, or its lower bound for the open-ended last slot.
func Representative(slot int) int64 {
	low, high := histogram.Bounds(slot)
	if slot >= histogram.Slots-1 {
		return int64(low)
	}
	v := int64(low+high) / 2
	if v < hdrMin {
		v = hdrMin
	}
	return v
}

func (ps *processStats) add(h histogram.Histogram) {
	for slot, n := range h {
		if n == 0 {
			continue
		}
		v := Representative(slot)
		ps.buckets[slot] += uint64(n)
		ps.count += uint64(n)
		ps.sum += float64(v) * float64(n)
		_ = ps.lifetime.RecordValues(v, int64(n))
	}
}

// RunqlatCollector implements prometheus.Collector for run-queue latency.
// It drains the controller on a fixed cadence and exports the accumulated
// histograms; a scrape never drains.
type RunqlatCollector struct {
	source   Source
	names    Namer
	interval time.Duration

	mu    sync.RWMutex
	procs map[uint32]*processStats

	drains      atomic.Uint64
	drainErrors atomic.Uint64
	tracked     atomic.Int64

	subMu       sync.Mutex
	subscribers []func(map[uint32]histogram.Histogram)

	log log.Logger

	// Metric Descriptors
	latencyDesc     *prometheus.Desc
	quantileDesc    *prometheus.Desc
	drainsDesc      *prometheus.Desc
	drainErrorsDesc *prometheus.Desc
	trackedDesc     *prometheus.Desc
	droppedDesc     *prometheus.Desc
}

// NewRunqlatCollector creates a collector draining source every interval.
func NewRunqlatCollector(source Source, names Namer, interval time.Duration) *RunqlatCollector {
	return &RunqlatCollector{
		source:   source,
		names:    names,
		interval: interval,
		procs:    make(map[uint32]*processStats),
		log:      logger.NewLoggerWithContext("runqlat_collector"),

		latencyDesc: prometheus.NewDesc(
			"runqlat_latency_microseconds",
			"Histogram of run-queue latency per process in microseconds.",
			[]string{"tgid", "comm"}, nil,
		),
		quantileDesc: prometheus.NewDesc(
			"runqlat_latency_quantile_microseconds",
			"Run-queue latency quantiles per process since tracking started, in microseconds.",
			[]string{"tgid", "comm", "quantile"}, nil,
		),
		drainsDesc: prometheus.NewDesc(
			"runqlat_drains_total",
			"Total number of histogram store drains.",
			nil, nil,
		),
		drainErrorsDesc: prometheus.NewDesc(
			"runqlat_drain_errors_total",
			"Total number of drains that returned an error.",
			nil, nil,
		),
		trackedDesc: prometheus.NewDesc(
			"runqlat_tracked_processes",
			"Number of processes in the tracked set.",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"runqlat_events_dropped_total",
			"Scheduler events dropped before reaching the state machine.",
			nil, nil,
		),
	}
}

// Subscribe registers f to receive every drained snapshot. f runs on the
// drain goroutine and must not retain the map.
func (c *RunqlatCollector) Subscribe(f func(map[uint32]histogram.Histogram)) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, f)
	c.subMu.Unlock()
}

// Run drains every interval until ctx is done, then drains once more.
func (c *RunqlatCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.DrainOnce()
			return
		case <-ticker.C:
			c.DrainOnce()
		}
	}
}

// DrainOnce harvests the histogram store and folds the result into the
// cumulative per-process state. Processes that are no longer tracked and
// had no sample in this drain are forgotten.
func (c *RunqlatCollector) DrainOnce() {
	snap, err := c.source.Drain()
	c.drains.Add(1)
	if err != nil {
		c.drainErrors.Add(1)
		c.log.Warn().Err(err).Int("histograms", len(snap)).Msg("Drain failed")
		if snap == nil {
			return
		}
	}

	tracked, trackErr := c.source.Tracked()
	if trackErr != nil {
		c.log.Warn().Err(trackErr).Msg("Failed to list tracked processes")
	}
	live := make(map[uint32]struct{}, len(tracked))
	for _, tgid := range tracked {
		live[tgid] = struct{}{}
	}
	c.tracked.Store(int64(len(tracked)))

	c.mu.Lock()
	for tgid, h := range snap {
		ps, ok := c.procs[tgid]
		if !ok {
			ps = newProcessStats(c.names.Name(tgid))
			c.procs[tgid] = ps
		}
		ps.add(h)
	}
	if trackErr == nil {
		for tgid := range c.procs {
			_, isLive := live[tgid]
			_, sampled := snap[tgid]
			if !isLive && !sampled {
				delete(c.procs, tgid)
			}
		}
	}
	c.mu.Unlock()

	c.subMu.Lock()
	subs := c.subscribers
	c.subMu.Unlock()
	for _, f := range subs {
		f(snap)
	}

	c.log.Trace().Int("histograms", len(snap)).Int("tracked", len(tracked)).Msg("Drained histograms")
}

// Describe implements prometheus.Collector.
func (c *RunqlatCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.latencyDesc
	ch <- c.quantileDesc
	ch <- c.drainsDesc
	ch <- c.drainErrorsDesc
	ch <- c.trackedDesc
	ch <- c.droppedDesc
}

// Collect implements prometheus.Collector.
func (c *RunqlatCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.drainsDesc, prometheus.CounterValue, float64(c.drains.Load()))
	ch <- prometheus.MustNewConstMetric(c.drainErrorsDesc, prometheus.CounterValue, float64(c.drainErrors.Load()))
	ch <- prometheus.MustNewConstMetric(c.trackedDesc, prometheus.GaugeValue, float64(c.tracked.Load()))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(c.source.Dropped()))

	c.mu.RLock()
	defer c.mu.RUnlock()

	for tgid, ps := range c.procs {
		if ps.count == 0 {
			continue
		}
		tgidLabel := strconv.FormatUint(uint64(tgid), 10)

		// Convert the per-slot counts to the cumulative counts required by Prometheus.
		// The last slot is only counted in +Inf.
		buckets := make(map[float64]uint64, len(latencyBuckets))
		var cumulative uint64
		for i, bound := range latencyBuckets {
			cumulative += ps.buckets[i]
			buckets[bound] = cumulative
		}
		ch <- prometheus.MustNewConstHistogram(
			c.latencyDesc,
			ps.count,
			ps.sum,
			buckets,
			tgidLabel, ps.name,
		)

		for _, q := range Quantiles {
			ch <- prometheus.MustNewConstMetric(
				c.quantileDesc,
				prometheus.GaugeValue,
				float64(ps.lifetime.ValueAtQuantile(q)),
				tgidLabel, ps.name, strconv.FormatFloat(q/100, 'f', -1, 64),
			)
		}
	}
}
