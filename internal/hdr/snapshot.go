package hdr

// Snapshot is the immutable form: a frozen counter array and total that
// share the Histogram's Config. A Snapshot produced by Freeze has no
// aliasing with its source and may be read concurrently without
// synchronization.
type Snapshot[V Value, C Count] struct {
	cfg    *Config
	counts []C
	total  C
}

// NewSnapshot constructs a snapshot directly from known values, copying
// counts. Mainly useful for tests and for deserialization layers.
func NewSnapshot[V Value, C Count](
	cfg *Config,
	counts []C,
	total C,
) *Snapshot[V, C] {
	copied := make([]C, len(counts))
	copy(copied, counts)

	return &Snapshot[V, C]{
		cfg:    cfg,
		counts: copied,
		total:  total,
	}
}

// Freeze returns an immutable snapshot holding a copy of the counter
// array. The histogram remains valid and independently mutable.
func (h *Histogram[V, C]) Freeze() *Snapshot[V, C] {
	counts := make([]C, len(h.counts))
	copy(counts, h.counts)

	return &Snapshot[V, C]{
		cfg:    h.cfg,
		counts: counts,
		total:  h.total,
	}
}

// UnsafeFreeze transfers the counter array without copying. The source
// histogram is consumed: its counter slice is nilled out, so any further
// Record call panics instead of racing the snapshot. Use only when the
// histogram is provably done being written, e.g. at the end of a batch.
func (h *Histogram[V, C]) UnsafeFreeze() *Snapshot[V, C] {
	s := &Snapshot[V, C]{
		cfg:    h.cfg,
		counts: h.counts,
		total:  h.total,
	}

	h.counts = nil
	h.total = 0

	return s
}

// Thaw returns a mutable histogram holding a copy of the snapshot's
// counters. The snapshot remains valid and reusable.
func (s *Snapshot[V, C]) Thaw() *Histogram[V, C] {
	counts := make([]C, len(s.counts))
	copy(counts, s.counts)

	return &Histogram[V, C]{
		cfg:    s.cfg,
		counts: counts,
		total:  s.total,
	}
}

// UnsafeThaw transfers the counter array without copying, consuming the
// snapshot the same way UnsafeFreeze consumes its histogram.
func (s *Snapshot[V, C]) UnsafeThaw() *Histogram[V, C] {
	h := &Histogram[V, C]{
		cfg:    s.cfg,
		counts: s.counts,
		total:  s.total,
	}

	s.counts = nil
	s.total = 0

	return h
}

// Config returns the shared encoder configuration.
func (s *Snapshot[V, C]) Config() *Config {
	return s.cfg
}

// TotalCount returns the frozen sum of all recorded weights.
func (s *Snapshot[V, C]) TotalCount() C {
	return s.total
}

// CountAt returns the frozen count in bucket idx.
func (s *Snapshot[V, C]) CountAt(idx int) C {
	return s.counts[idx]
}

// Percentile returns the value range at percentile q in [0, 100].
// q is clamped to at most 100. The target rank is q/100 of the total,
// rounded half up, and floored at one so that Percentile(0) resolves to
// the bucket holding the minimum recorded value. An empty histogram
// yields the zero range rather than an error.
//
// This is a single linear scan over the buckets: O(Size), independent
// of how many observations were recorded.
func (s *Snapshot[V, C]) Percentile(q float64) Range[V] {
	if s.total == 0 {
		return Range[V]{}
	}

	if q > 100 {
		q = 100
	}

	target := int64(q/100*float64(s.total) + 0.5)
	if target < 1 {
		target = 1
	}

	var cumulative int64

	for idx := range s.counts {
		cumulative += int64(s.counts[idx])
		if cumulative >= target {
			lower, upper := s.cfg.RangeForIndex(idx)

			return Range[V]{Lower: V(lower), Upper: V(upper)}
		}
	}

	return Range[V]{}
}
