package hdr

// Histogram is the mutable, write-only form: a counter array plus a
// running total, built from a shared Config. Recording is O(1) with no
// heap allocation, suitable for very high call rates.
//
// A Histogram is intended for a single writer; concurrent writers need
// an external lock around the Record calls, or per-writer histograms.
type Histogram[V Value, C Count] struct {
	cfg    *Config
	counts []C
	total  C
}

// New allocates an empty histogram with Size() zeroed counters.
func New[V Value, C Count](cfg *Config) *Histogram[V, C] {
	return &Histogram[V, C]{
		cfg:    cfg,
		counts: make([]C, cfg.Size()),
	}
}

// Config returns the shared encoder configuration.
func (h *Histogram[V, C]) Config() *Config {
	return h.cfg
}

// Record adds a single observation. Out-of-range values saturate to the
// boundary buckets; Record never fails.
func (h *Histogram[V, C]) Record(v V) {
	h.RecordN(v, 1)
}

// RecordN adds an observation with weight n. The weight's sign is not
// validated; passing a negative (or wrapping) weight is caller error.
func (h *Histogram[V, C]) RecordN(v V, n C) {
	h.counts[h.cfg.IndexForValue(clampToInt64(v))] += n
	h.total += n
}

// TotalCount returns the running sum of all recorded weights. It equals
// the sum of the counter array at all times.
func (h *Histogram[V, C]) TotalCount() C {
	return h.total
}

// clampToInt64 projects a raw value onto the encoder's int64 domain,
// saturating rather than wrapping so that the boundary-bucket policy
// holds for every representable input.
func clampToInt64[V Value](v V) int64 {
	if v < 0 {
		return 0
	}

	u := uint64(v)
	if u > 1<<63-1 {
		return 1<<63 - 1
	}

	return int64(u)
}
