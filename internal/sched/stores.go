package sched

import (
	"runqlat_exporter/internal/histogram"
	"runqlat_exporter/internal/maps"
)

// DefaultMaxEntries bounds every store unless configured otherwise.
const DefaultMaxEntries = 2048

// --- Store contracts ---

// Membership is the read side of the Tracked-Process Set used by the event path.
type Membership interface {
	Contains(tgid uint32) bool
}

// TrackedSet is the full Tracked-Process Set: membership for the event path,
// Add/Remove for the controller.
type TrackedSet interface {
	Membership
	Add(tgid uint32) error
	Remove(tgid uint32) error
	Range(f func(tgid uint32) bool) error
}

// PendingStarts maps a runnable thread's pid to the time it became runnable.
type PendingStarts interface {
	Put(pid uint32, ts uint64) error
	Get(pid uint32) (uint64, bool)
	Remove(pid uint32)
}

// HistogramWriter is the event-path side of the Histogram Store.
type HistogramWriter interface {
	// Increment bumps one slot of tgid's histogram, creating it if absent.
	Increment(tgid uint32, slot int) error
}

// HistogramDrainer is the controller side of the Histogram Store.
type HistogramDrainer interface {
	// Drain reads every histogram, then removes each key it read.
	Drain() (map[uint32]histogram.Histogram, error)
}

// HistogramStore combines both sides.
type HistogramStore interface {
	HistogramWriter
	HistogramDrainer
	Get(tgid uint32) (histogram.Histogram, bool)
}

// --- In-memory implementations ---

// MemorySet is a TrackedSet on a ConcurrentMap.
type MemorySet struct {
	m maps.ConcurrentMap[uint32, uint8]
}

// NewMemorySet wraps m, which bounds the set's capacity.
func NewMemorySet(m maps.ConcurrentMap[uint32, uint8]) *MemorySet {
	return &MemorySet{m: m}
}

func (s *MemorySet) Contains(tgid uint32) bool {
	_, ok := s.m.Load(tgid)
	return ok
}

// Add inserts tgid; re-adding a member is a no-op.
func (s *MemorySet) Add(tgid uint32) error {
	return s.m.Store(tgid, 0)
}

// Remove deletes tgid; removing a non-member is not an error.
func (s *MemorySet) Remove(tgid uint32) error {
	s.m.Delete(tgid)
	return nil
}

func (s *MemorySet) Range(f func(tgid uint32) bool) error {
	s.m.Range(func(k uint32, _ uint8) bool { return f(k) })
	return nil
}

// Len returns the number of tracked tgids.
func (s *MemorySet) Len() int { return s.m.Len() }

// MemoryPending is a PendingStarts on a ConcurrentMap.
type MemoryPending struct {
	m maps.ConcurrentMap[uint32, uint64]
}

func NewMemoryPending(m maps.ConcurrentMap[uint32, uint64]) *MemoryPending {
	return &MemoryPending{m: m}
}

func (p *MemoryPending) Put(pid uint32, ts uint64) error { return p.m.Store(pid, ts) }
func (p *MemoryPending) Get(pid uint32) (uint64, bool)   { return p.m.Load(pid) }
func (p *MemoryPending) Remove(pid uint32)               { p.m.Delete(pid) }

// Len returns the number of threads currently waiting.
func (p *MemoryPending) Len() int { return p.m.Len() }

// MemoryHistograms is a HistogramStore on a ConcurrentMap of atomic counters.
// Increments on an existing entry are lock-free; creation goes through
// LoadOrStore so two CPUs racing on a new tgid share one entry.
type MemoryHistograms struct {
	m maps.ConcurrentMap[uint32, *histogram.Counters]
}

func NewMemoryHistograms(m maps.ConcurrentMap[uint32, *histogram.Counters]) *MemoryHistograms {
	return &MemoryHistograms{m: m}
}

func (h *MemoryHistograms) Increment(tgid uint32, slot int) error {
	c, ok := h.m.Load(tgid)
	if !ok {
		var err error
		c, _, err = h.m.LoadOrStore(tgid, histogram.NewCounters)
		if err != nil {
			return err
		}
	}
	c.Inc(slot)
	return nil
}

func (h *MemoryHistograms) Get(tgid uint32) (histogram.Histogram, bool) {
	c, ok := h.m.Load(tgid)
	if !ok {
		return histogram.Histogram{}, false
	}
	return c.Snapshot(), true
}

// Drain snapshots every entry and then deletes the keys it saw. An increment
// landing between a key's snapshot and its deletion is lost.
func (h *MemoryHistograms) Drain() (map[uint32]histogram.Histogram, error) {
	out := make(map[uint32]histogram.Histogram)
	h.m.Range(func(tgid uint32, c *histogram.Counters) bool {
		out[tgid] = c.Snapshot()
		return true
	})
	for tgid := range out {
		h.m.Delete(tgid)
	}
	return out, nil
}

// Len returns the number of histograms currently held.
func (h *MemoryHistograms) Len() int { return h.m.Len() }

// Stores bundles the three in-memory stores the state machine runs against.
type Stores struct {
	Tracked    *MemorySet
	Pending    *MemoryPending
	Histograms *MemoryHistograms
}

// NewMemoryStores builds all three stores on the given map implementation,
// each bounded to maxEntries.
func NewMemoryStores(impl maps.Implementation, maxEntries int) (*Stores, error) {
	tracked, err := maps.New[uint32, uint8](impl, maxEntries)
	if err != nil {
		return nil, err
	}
	pending, err := maps.New[uint32, uint64](impl, maxEntries)
	if err != nil {
		return nil, err
	}
	hists, err := maps.New[uint32, *histogram.Counters](impl, maxEntries)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Tracked:    NewMemorySet(tracked),
		Pending:    NewMemoryPending(pending),
		Histograms: NewMemoryHistograms(hists),
	}, nil
}
