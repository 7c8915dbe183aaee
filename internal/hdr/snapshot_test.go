package hdr

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_FreezeThawRoundTrip(t *testing.T) {
	cfg := mustConfig(t, 1, 1_000_000, 3)
	h := New[int64, uint64](cfg)

	for _, v := range []int64{5, 5, 700, 12_000, 999_999} {
		h.Record(v)
	}

	s := h.Freeze()
	thawed := s.Thaw()

	assert.Equal(t, h.TotalCount(), thawed.TotalCount())

	for i := 0; i < cfg.Size(); i++ {
		assert.Equal(t, s.CountAt(i), thawed.Freeze().CountAt(i))
	}
}

func TestSnapshot_SafeFreezeLeavesSourceUsable(t *testing.T) {
	cfg := mustConfig(t, 1, 100_000, 2)
	h := New[int64, uint64](cfg)

	h.Record(42)
	s := h.Freeze()

	// Further writes must not leak into the snapshot.
	h.Record(42)
	h.Record(43)

	assert.Equal(t, uint64(1), s.TotalCount())
	assert.Equal(t, uint64(3), h.TotalCount())
	assert.Equal(t, uint64(1), s.CountAt(cfg.IndexForValue(42)))
}

func TestSnapshot_SafeThawLeavesSourceUsable(t *testing.T) {
	cfg := mustConfig(t, 1, 100_000, 2)
	h := New[int64, uint64](cfg)
	h.Record(42)

	s := h.Freeze()
	thawed := s.Thaw()
	thawed.Record(42)

	assert.Equal(t, uint64(1), s.TotalCount())
	assert.Equal(t, uint64(2), thawed.TotalCount())
}

func TestSnapshot_UnsafeFreezeConsumesSource(t *testing.T) {
	cfg := mustConfig(t, 1, 100_000, 2)
	h := New[int64, uint64](cfg)
	h.Record(42)

	s := h.UnsafeFreeze()

	assert.Equal(t, uint64(1), s.TotalCount())

	// The consumed handle must fail loudly, not race the snapshot.
	assert.Panics(t, func() { h.Record(42) })
}

func TestSnapshot_UnsafeThawConsumesSource(t *testing.T) {
	cfg := mustConfig(t, 1, 100_000, 2)
	h := New[int64, uint64](cfg)
	h.Record(42)

	s := h.Freeze()
	thawed := s.UnsafeThaw()

	assert.Equal(t, uint64(1), thawed.TotalCount())
	assert.Panics(t, func() { s.CountAt(cfg.IndexForValue(42)) })
}

func TestSnapshot_NewSnapshotCopies(t *testing.T) {
	cfg := mustConfig(t, 1, 100_000, 2)

	counts := make([]uint64, cfg.Size())
	counts[cfg.IndexForValue(10)] = 3

	s := NewSnapshot[int64](cfg, counts, 3)

	counts[cfg.IndexForValue(10)] = 99

	assert.Equal(t, uint64(3), s.CountAt(cfg.IndexForValue(10)))
	assert.Equal(t, uint64(3), s.TotalCount())
}

func TestSnapshot_PercentileEmpty(t *testing.T) {
	cfg := mustConfig(t, 1, 3_600_000, 3)
	s := New[int64, uint64](cfg).Freeze()

	for _, q := range []float64{0, 50, 99.9, 100, 250} {
		assert.Equal(t, Range[int64]{}, s.Percentile(q))
	}
}

func TestSnapshot_PercentileConcreteScenario(t *testing.T) {
	cfg := mustConfig(t, 1, 3_600_000, 3)
	h := New[int64, uint64](cfg)

	for _, v := range []int64{100, 100, 100, 200} {
		h.Record(v)
	}

	assert.Equal(t, uint64(4), h.TotalCount())

	r := h.Freeze().Percentile(50)
	assert.LessOrEqual(t, r.Lower, int64(100))
	assert.GreaterOrEqual(t, r.Upper, int64(100))
}

func TestSnapshot_PercentileBoundaries(t *testing.T) {
	cfg := mustConfig(t, 1, 3_600_000, 3)
	h := New[int64, uint64](cfg)

	values := []int64{3, 90, 90, 1500, 2_000_000}
	for _, v := range values {
		h.Record(v)
	}

	s := h.Freeze()

	low := s.Percentile(0)
	assert.LessOrEqual(t, low.Lower, int64(3))
	assert.GreaterOrEqual(t, low.Upper, int64(3))

	high := s.Percentile(100)
	assert.LessOrEqual(t, high.Lower, int64(2_000_000))
	assert.GreaterOrEqual(t, high.Upper, int64(2_000_000))

	// Above 100 clamps to 100.
	assert.Equal(t, high, s.Percentile(1000))
}

func TestSnapshot_PercentileMedianSandwich(t *testing.T) {
	rng := rand.New(rand.NewSource(23))

	for trial := 0; trial < 30; trial++ {
		lowest := int64(1)
		highest := int64(10_000 + rng.Intn(100_000_000))
		digits := 1 + rng.Intn(5)

		cfg, err := NewConfig(lowest, highest, digits)
		require.NoError(t, err)

		h := New[int64, uint64](cfg)

		n := 101 + rng.Intn(900)
		values := make([]int64, 0, n)

		for i := 0; i < n; i++ {
			v := rng.Int63n(highest) + 1
			values = append(values, v)
			h.Record(v)
		}

		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

		// Round-half-up rank: floor(n/2 + 0.5) observations, i.e. the
		// lower median for even n.
		median := values[(n-1)/2]

		r := h.Freeze().Percentile(50)

		assert.LessOrEqual(t, r.Lower, median,
			"trial %d highest=%d digits=%d median=%d range=[%d,%d]",
			trial, highest, digits, median, r.Lower, r.Upper)
		assert.GreaterOrEqual(t, r.Upper, median,
			"trial %d highest=%d digits=%d median=%d range=[%d,%d]",
			trial, highest, digits, median, r.Lower, r.Upper)
	}
}

func TestSnapshot_PercentilesAreMonotonic(t *testing.T) {
	cfg := mustConfig(t, 1, 10_000_000, 3)
	h := New[int64, uint64](cfg)

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 10_000; i++ {
		h.Record(rng.Int63n(10_000_000))
	}

	s := h.Freeze()

	prev := s.Percentile(0)
	for _, q := range []float64{10, 25, 50, 75, 90, 99, 99.9, 100} {
		r := s.Percentile(q)
		assert.GreaterOrEqual(t, r.Lower, prev.Lower, "q=%v", q)
		prev = r
	}
}
