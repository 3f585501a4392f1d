package histogram

import "math"

// Slot maps a latency in microseconds to its bucket index:
// clamp(floor(log2(max(d,1))), 0, Slots-1). Slot(0) is 0.
func Slot(d uint64) int {
	s := int(Log2(d))
	if s >= Slots {
		s = Slots - 1
	}
	return s
}

// Log2 returns the position of the most significant set bit of v, or 0 for v == 0.
//
// The search runs over the high or low 32-bit half with a fixed sequence of
// compare-and-shift steps so the cost does not depend on v. The BPF program
// carries the same routine since the verifier rejects data-dependent loops.
func Log2(v uint64) uint32 {
	if hi := uint32(v >> 32); hi != 0 {
		return log2u32(hi) + 32
	}
	return log2u32(uint32(v))
}

func log2u32(v uint32) uint32 {
	r := gt(v, 0xFFFF) << 4
	v >>= r

	shift := gt(v, 0xFF) << 3
	v >>= shift
	r |= shift

	shift = gt(v, 0xF) << 2
	v >>= shift
	r |= shift

	shift = gt(v, 0x3) << 1
	v >>= shift
	r |= shift

	return r | (v >> 1)
}

func gt(v, bound uint32) uint32 {
	if v > bound {
		return 1
	}
	return 0
}

// Bounds returns the inclusive microsecond range covered by a slot.
// Slot 0 covers [0, 1]; the last slot is open-ended.
func Bounds(slot int) (low, high uint64) {
	switch {
	case slot <= 0:
		return 0, 1
	case slot >= Slots-1:
		return uint64(1) << (Slots - 1), math.MaxUint64
	default:
		return uint64(1) << slot, uint64(1)<<(slot+1) - 1
	}
}

// UpperBounds returns the finite upper bound of every slot but the last, in
// microseconds, as the float64 boundaries a Prometheus histogram expects.
func UpperBounds() []float64 {
	bounds := make([]float64, 0, Slots-1)
	for i := 0; i < Slots-1; i++ {
		_, high := Bounds(i)
		bounds = append(bounds, float64(high))
	}
	return bounds
}
