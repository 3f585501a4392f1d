package histogram

import (
	"math"
	"math/bits"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotZero(t *testing.T) {
	assert.Equal(t, 0, Slot(0))
	assert.Equal(t, 0, Slot(1))
}

func TestSlotPowerOfTwoRanges(t *testing.T) {
	for k := 0; k <= Slots-2; k++ {
		low := uint64(1) << k
		high := uint64(1)<<(k+1) - 1
		assert.Equal(t, k, Slot(low), "low edge of slot %d", k)
		assert.Equal(t, k, Slot(high), "high edge of slot %d", k)
		if high-low > 2 {
			assert.Equal(t, k, Slot(low+(high-low)/2), "middle of slot %d", k)
		}
	}
}

func TestSlotClampsIntoLastBucket(t *testing.T) {
	tests := []uint64{
		1 << (Slots - 1),
		1<<(Slots-1) + 12345,
		1 << 40,
		1<<63 - 1,
		math.MaxUint64,
	}
	for _, d := range tests {
		assert.Equal(t, Slots-1, Slot(d), "d=%d", d)
	}
}

func TestSlotConcreteCase(t *testing.T) {
	start := uint64(1_000_000)
	now := uint64(3_500_000)
	deltaUs := (now - start) / 1000
	require.Equal(t, uint64(2500), deltaUs)
	assert.Equal(t, 11, Slot(deltaUs))
	assert.Equal(t, 2, Slot(5))
}

// Log2 must agree with the intrinsic on every bit width, including both halves.
func TestLog2MatchesBitsLen(t *testing.T) {
	values := []uint64{0, 1, 2, 3, 4, 7, 8, 255, 256, 65535, 65536, 1<<32 - 1, 1 << 32, 1<<32 + 1, 1<<48 + 99, math.MaxUint64}
	for shift := 0; shift < 64; shift++ {
		values = append(values, uint64(1)<<shift, uint64(1)<<shift|1, (uint64(1)<<shift)*3/2)
	}
	for _, v := range values {
		want := uint32(0)
		if v > 0 {
			want = uint32(bits.Len64(v) - 1)
		}
		assert.Equal(t, want, Log2(v), "v=%d", v)
	}
}

func TestBounds(t *testing.T) {
	low, high := Bounds(0)
	assert.Equal(t, uint64(0), low)
	assert.Equal(t, uint64(1), high)

	low, high = Bounds(11)
	assert.Equal(t, uint64(2048), low)
	assert.Equal(t, uint64(4095), high)

	low, high = Bounds(Slots - 1)
	assert.Equal(t, uint64(1)<<(Slots-1), low)
	assert.Equal(t, uint64(math.MaxUint64), high)

	for i := 1; i < Slots; i++ {
		l, _ := Bounds(i)
		_, h := Bounds(i - 1)
		assert.Equal(t, h+1, l, "slots %d and %d must be contiguous", i-1, i)
	}

	assert.Len(t, UpperBounds(), Slots-1)
}

func TestHistogramSaturates(t *testing.T) {
	var h Histogram
	h[3] = math.MaxUint32
	h.Inc(3)
	assert.Equal(t, uint32(math.MaxUint32), h[3])

	h.Inc(0)
	assert.Equal(t, uint32(1), h[0])
	assert.Equal(t, uint64(math.MaxUint32)+1, h.Total())
	assert.False(t, h.IsZero())
}

func TestCountersSaturate(t *testing.T) {
	c := NewCounters()
	c.Set(5, math.MaxUint32-1)
	c.Inc(5)
	c.Inc(5)
	c.Inc(5)
	assert.Equal(t, uint32(math.MaxUint32), c.Snapshot()[5])
}

func TestCountersConcurrentIncrements(t *testing.T) {
	c := NewCounters()
	const writers, perWriter = 8, 10_000

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				c.Inc(7)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, uint32(writers*perWriter), snap[7])
	assert.Equal(t, uint64(writers*perWriter), snap.Total())
}

func BenchmarkSlot(b *testing.B) {
	inputs := []uint64{0, 1, 1000, 1 << 20, 1 << 40, math.MaxUint64}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Slot(inputs[i%len(inputs)])
	}
}
