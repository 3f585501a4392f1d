package probe

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"runqlat_exporter/internal/histogram"
	"runqlat_exporter/internal/maps"
	"runqlat_exporter/internal/sched"
)

var (
	_ sched.TrackedSet       = (*MapSet)(nil)
	_ sched.PendingStarts    = (*MapPending)(nil)
	_ sched.HistogramDrainer = (*MapHistograms)(nil)
)

// translate maps the kernel's "hash map full" errno to maps.ErrFull.
func translate(err error) error {
	if errors.Is(err, unix.E2BIG) {
		return fmt.Errorf("%w: %w", maps.ErrFull, err)
	}
	return err
}

// MapSet is the Tracked-Process Set living in the kernel pids map.
type MapSet struct {
	m *ebpf.Map
}

func (s *MapSet) Contains(tgid uint32) bool {
	var v uint8
	return s.m.Lookup(tgid, &v) == nil
}

// Add inserts tgid. Re-adding a member is a no-op.
func (s *MapSet) Add(tgid uint32) error {
	if err := s.m.Update(tgid, uint8(0), ebpf.UpdateAny); err != nil {
		return translate(err)
	}
	return nil
}

// Remove deletes tgid. Removing a non-member is not an error.
func (s *MapSet) Remove(tgid uint32) error {
	err := s.m.Delete(tgid)
	if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

func (s *MapSet) Range(f func(tgid uint32) bool) error {
	var (
		tgid uint32
		v    uint8
	)
	it := s.m.Iterate()
	for it.Next(&tgid, &v) {
		if !f(tgid) {
			return nil
		}
	}
	return it.Err()
}

// MapPending is the Pending-Start store living in the kernel start map.
type MapPending struct {
	m *ebpf.Map
}

func (p *MapPending) Put(pid uint32, ts uint64) error {
	return translate(p.m.Update(pid, ts, ebpf.UpdateAny))
}

func (p *MapPending) Get(pid uint32) (uint64, bool) {
	var ts uint64
	if err := p.m.Lookup(pid, &ts); err != nil {
		return 0, false
	}
	return ts, true
}

func (p *MapPending) Remove(pid uint32) {
	_ = p.m.Delete(pid)
}

// Len counts the entries by walking the map.
func (p *MapPending) Len() (int, error) {
	var (
		pid uint32
		ts  uint64
		n   int
	)
	it := p.m.Iterate()
	for it.Next(&pid, &ts) {
		n++
	}
	return n, it.Err()
}

// MapHistograms is the Histogram Store living in the kernel hists map.
// Only the BPF programs write to it.
type MapHistograms struct {
	m *ebpf.Map
}

func (h *MapHistograms) Get(tgid uint32) (histogram.Histogram, bool) {
	var hist histogram.Histogram
	if err := h.m.Lookup(tgid, &hist); err != nil {
		return hist, false
	}
	return hist, true
}

// Drain iterates the map, then deletes each key it read. Increments landing
// between the read and the delete of a key are lost. Keys that vanished in
// between are not an error.
func (h *MapHistograms) Drain() (map[uint32]histogram.Histogram, error) {
	out := make(map[uint32]histogram.Histogram)

	var (
		tgid uint32
		hist histogram.Histogram
	)
	it := h.m.Iterate()
	for it.Next(&tgid, &hist) {
		out[tgid] = hist
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", MapHistograms, err)
	}

	var errs []error
	for tgid := range out {
		if err := h.m.Delete(tgid); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			errs = append(errs, fmt.Errorf("delete %d: %w", tgid, err))
		}
	}
	return out, errors.Join(errs...)
}
