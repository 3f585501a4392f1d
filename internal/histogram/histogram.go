package histogram

import (
	"math"
	"sync/atomic"
)

// Slots is the number of log2 buckets per histogram.
// Bucket k counts latencies in [2^k, 2^(k+1)-1] microseconds; the last bucket
// also absorbs everything at or above 2^(Slots-1) µs (~33.5s).
const Slots = 26

// Histogram is the wire value stored per tgid: Slots saturating 32-bit counters.
// Its layout matches the value of the "hists" BPF map.
type Histogram [Slots]uint32

// Inc increments a slot, clamping at math.MaxUint32.
func (h *Histogram) Inc(slot int) {
	if h[slot] != math.MaxUint32 {
		h[slot]++
	}
}

// Total returns the number of samples across all slots.
func (h *Histogram) Total() uint64 {
	var total uint64
	for _, c := range h {
		total += uint64(c)
	}
	return total
}

// IsZero reports whether no slot holds a sample.
func (h *Histogram) IsZero() bool {
	for _, c := range h {
		if c != 0 {
			return false
		}
	}
	return true
}

// Counters is the in-memory, concurrently mutable form of a Histogram.
// All fields use atomics so that increments from many CPUs never lose counts.
type Counters struct {
	slots [Slots]atomic.Uint32
}

// NewCounters returns a zeroed counter array.
func NewCounters() *Counters {
	return &Counters{}
}

// Inc increments a slot with saturation. The CAS loop retries only when
// another writer raced on the same slot.
func (c *Counters) Inc(slot int) {
	ctr := &c.slots[slot]
	for {
		old := ctr.Load()
		if old == math.MaxUint32 {
			return
		}
		if ctr.CompareAndSwap(old, old+1) {
			return
		}
	}
}

// Set stores an absolute value into a slot.
func (c *Counters) Set(slot int, v uint32) {
	c.slots[slot].Store(v)
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Histogram {
	var h Histogram
	for i := range c.slots {
		h[i] = c.slots[i].Load()
	}
	return h
}
