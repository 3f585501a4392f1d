package runqlat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runqlat_exporter/internal/histogram"
)

type fakeSource struct {
	mu      sync.Mutex
	pending []map[uint32]histogram.Histogram
	tracked []uint32
	err     error
	dropped uint64
}

func (s *fakeSource) Drain() (map[uint32]histogram.Histogram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pending) == 0 {
		return map[uint32]histogram.Histogram{}, nil
	}
	out := s.pending[0]
	s.pending = s.pending[1:]
	return out, nil
}

func (s *fakeSource) Tracked() ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked, nil
}

func (s *fakeSource) Dropped() uint64 { return s.dropped }

type staticNames map[uint32]string

func (n staticNames) Name(tgid uint32) string { return n[tgid] }

func hist(slots map[int]uint32) histogram.Histogram {
	var h histogram.Histogram
	for s, n := range slots {
		h[s] = n
	}
	return h
}

func TestRepresentative(t *testing.T) {
	assert.Equal(t, int64(1), Representative(0))
	assert.Equal(t, int64(5), Representative(2)) // [4,7]
	assert.Equal(t, int64(1)<<(histogram.Slots-1), Representative(histogram.Slots-1))
}

func TestDrainAccumulates(t *testing.T) {
	src := &fakeSource{
		tracked: []uint32{42},
		pending: []map[uint32]histogram.Histogram{
			{42: hist(map[int]uint32{2: 1})},
			{42: hist(map[int]uint32{2: 2, 10: 1})},
		},
	}
	c := NewRunqlatCollector(src, staticNames{42: "nginx"}, time.Second)
	c.DrainOnce()
	c.DrainOnce()

	c.mu.RLock()
	ps := c.procs[42]
	c.mu.RUnlock()
	require.NotNil(t, ps)
	assert.Equal(t, "nginx", ps.name)
	assert.Equal(t, uint64(3), ps.buckets[2])
	assert.Equal(t, uint64(1), ps.buckets[10])
	assert.Equal(t, uint64(4), ps.count)
	assert.Equal(t, int64(4), ps.lifetime.TotalCount())
}

func TestForgetsUntrackedIdleProcesses(t *testing.T) {
	src := &fakeSource{
		tracked: []uint32{1, 2},
		pending: []map[uint32]histogram.Histogram{
			{1: hist(map[int]uint32{0: 1}), 2: hist(map[int]uint32{0: 1})},
		},
	}
	c := NewRunqlatCollector(src, staticNames{}, time.Second)
	c.DrainOnce()

	src.mu.Lock()
	src.tracked = []uint32{1}
	src.mu.Unlock()
	c.DrainOnce()

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Contains(t, c.procs, uint32(1))
	assert.NotContains(t, c.procs, uint32(2))
}

func TestDrainError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	c := NewRunqlatCollector(src, staticNames{}, time.Second)
	c.DrainOnce()

	assert.Equal(t, uint64(1), c.drains.Load())
	assert.Equal(t, uint64(1), c.drainErrors.Load())
}

func TestSubscribers(t *testing.T) {
	src := &fakeSource{pending: []map[uint32]histogram.Histogram{{7: hist(map[int]uint32{3: 1})}}}
	c := NewRunqlatCollector(src, staticNames{}, time.Second)

	var got []map[uint32]histogram.Histogram
	c.Subscribe(func(m map[uint32]histogram.Histogram) { got = append(got, m) })
	c.DrainOnce()

	require.Len(t, got, 1)
	assert.Equal(t, uint32(1), got[0][7][3])
}

func TestCollectExposition(t *testing.T) {
	src := &fakeSource{
		tracked: []uint32{42},
		dropped: 3,
		pending: []map[uint32]histogram.Histogram{{42: hist(map[int]uint32{2: 1})}},
	}
	c := NewRunqlatCollector(src, staticNames{42: "app"}, time.Second)
	c.DrainOnce()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP runqlat_drains_total Total number of histogram store drains.
# TYPE runqlat_drains_total counter
runqlat_drains_total 1
# HELP runqlat_events_dropped_total Scheduler events dropped before reaching the state machine.
# TYPE runqlat_events_dropped_total counter
runqlat_events_dropped_total 3
# HELP runqlat_tracked_processes Number of processes in the tracked set.
# TYPE runqlat_tracked_processes gauge
runqlat_tracked_processes 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"runqlat_drains_total", "runqlat_events_dropped_total", "runqlat_tracked_processes"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "runqlat_latency_microseconds" {
			continue
		}
		found = true
		require.Len(t, mf.Metric, 1)
		h := mf.Metric[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.Equal(t, float64(5), h.GetSampleSum())
		for _, b := range h.Bucket {
			if b.GetUpperBound() < 4 {
				assert.Zero(t, b.GetCumulativeCount())
			} else {
				assert.Equal(t, uint64(1), b.GetCumulativeCount())
			}
		}
	}
	assert.True(t, found)
	assert.Equal(t, 1+len(Quantiles)+4, testutil.CollectAndCount(c))
}

func TestRunDrainsOnShutdown(t *testing.T) {
	src := &fakeSource{pending: []map[uint32]histogram.Histogram{{1: hist(map[int]uint32{0: 1})}}}
	c := NewRunqlatCollector(src, staticNames{}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)
	assert.Equal(t, uint64(1), c.drains.Load())
}
