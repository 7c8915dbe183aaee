// Package hdr implements a high dynamic range histogram: a fixed-size
// counter array that records numeric observations (typically latencies)
// with a bounded relative error, and answers approximate percentile
// queries over the recorded distribution.
//
// Memory depends only on the configured value range and precision, never
// on the number of observations. A Config describes the value-to-bucket
// encoding, a Histogram is the write-only mutable form, and a Snapshot is
// the immutable read-only form produced by freezing a Histogram.
package hdr

// Value is any fixed-width integer type usable as a raw observation.
// Configured bounds must be representable in the chosen type.
type Value interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Count is any fixed-width integer type usable as a bucket counter,
// letting callers trade overflow headroom for memory.
type Count interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Range is the closed interval of raw values that encode to a single
// bucket. Percentile queries return a Range rather than an exact value
// because the bucket is all the histogram retains.
type Range[V Value] struct {
	Lower V
	Upper V
}
