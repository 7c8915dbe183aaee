package hdr

import (
	"fmt"
	"math"
	"math/bits"
)

// Config is the bucket encoder: an immutable description of the mapping
// between raw values and counter-array indices. Every histogram sharing a
// Config has the same array size, which is what makes mutable/immutable
// conversion shape-compatible. A Config is read-only after construction
// and safe to share across any number of histograms and goroutines.
type Config struct {
	lowestDiscernible  int64
	highestTrackable   int64
	significantDigits  int
	unitMagnitude      int
	subBucketCount     int
	subBucketHalfCount int
	subBucketHalfMag   int
	subBucketMask      int64
	bucketCount        int
	countsLen          int
}

// NewConfig builds an encoder covering [lowestDiscernible,
// highestTrackable] while preserving significantDigits leading decimal
// digits at every magnitude.
//
// lowestDiscernible is the smallest value distinguishable from its
// neighbours, e.g. 1000 when recording nanoseconds but only caring about
// microsecond resolution. Malformed parameters are rejected here so that
// no operation after construction can fail.
func NewConfig(
	lowestDiscernible, highestTrackable int64,
	significantDigits int,
) (*Config, error) {
	if significantDigits < 1 || significantDigits > 5 {
		return nil, fmt.Errorf(
			"significant digits must be in [1, 5], got %d",
			significantDigits,
		)
	}

	if lowestDiscernible < 1 {
		return nil, fmt.Errorf(
			"lowest discernible value must be >= 1, got %d",
			lowestDiscernible,
		)
	}

	if highestTrackable < 2*lowestDiscernible {
		return nil, fmt.Errorf(
			"highest trackable value %d must be >= 2 * lowest discernible value %d",
			highestTrackable, lowestDiscernible,
		)
	}

	// A precision of N digits means single-unit resolution must hold up
	// to 2*10^N: +/-1 unit at 1000 implies +/-2 units only from 2000 on.
	largestSingleUnitValue := 2 * math.Pow10(significantDigits)

	subBucketMag := int(math.Ceil(math.Log2(largestSingleUnitValue)))
	subBucketHalfMag := subBucketMag
	if subBucketHalfMag < 1 {
		subBucketHalfMag = 1
	}
	subBucketHalfMag--

	unitMagnitude := int(math.Floor(math.Log2(float64(lowestDiscernible))))
	if unitMagnitude < 0 {
		unitMagnitude = 0
	}

	subBucketCount := 1 << (subBucketHalfMag + 1)
	subBucketHalfCount := subBucketCount / 2
	subBucketMask := int64(subBucketCount-1) << unitMagnitude

	// Each successive bucket doubles the value range of the previous one;
	// count how many doublings are needed to cover highestTrackable.
	smallestUntrackable := int64(subBucketCount) << unitMagnitude
	bucketCount := 1

	for smallestUntrackable < highestTrackable {
		if smallestUntrackable > math.MaxInt64/2 {
			bucketCount++
			break
		}

		smallestUntrackable <<= 1
		bucketCount++
	}

	return &Config{
		lowestDiscernible:  lowestDiscernible,
		highestTrackable:   highestTrackable,
		significantDigits:  significantDigits,
		unitMagnitude:      unitMagnitude,
		subBucketCount:     subBucketCount,
		subBucketHalfCount: subBucketHalfCount,
		subBucketHalfMag:   subBucketHalfMag,
		subBucketMask:      subBucketMask,
		bucketCount:        bucketCount,
		countsLen:          (bucketCount + 1) * subBucketHalfCount,
	}, nil
}

// Size returns the number of counters required to cover the configured
// range at the configured precision. It is fixed for the life of the
// Config and grows as O(log(highest/lowest) * 10^significantDigits).
func (c *Config) Size() int {
	return c.countsLen
}

// LowestDiscernible returns the configured lowest discernible value.
func (c *Config) LowestDiscernible() int64 {
	return c.lowestDiscernible
}

// HighestTrackable returns the configured highest trackable value.
func (c *Config) HighestTrackable() int64 {
	return c.highestTrackable
}

// SignificantDigits returns the configured decimal precision.
func (c *Config) SignificantDigits() int {
	return c.significantDigits
}

// IndexForValue maps a raw value to its bucket index. The mapping is
// monotonic non-decreasing in v; values outside the configured range
// saturate to the boundary buckets rather than failing, so recording
// call sites are never interrupted by outlier input.
func (c *Config) IndexForValue(v int64) int {
	if v < 0 {
		return 0
	}

	bucketIdx := c.bucketIndex(v)

	idx := c.countsIndex(bucketIdx, c.subBucketIndex(v, bucketIdx))
	if idx < 0 {
		return 0
	}

	if idx >= c.countsLen {
		return c.countsLen - 1
	}

	return idx
}

// RangeForIndex decodes a bucket index back to the closed interval of
// raw values that all encode to it. It is the exact inverse of
// IndexForValue: for any v in the returned interval,
// IndexForValue(v) == idx. Out-of-range indices are clamped.
func (c *Config) RangeForIndex(idx int) (lower, upper int64) {
	if idx < 0 {
		idx = 0
	}

	if idx >= c.countsLen {
		idx = c.countsLen - 1
	}

	bucketIdx := (idx >> c.subBucketHalfMag) - 1
	subBucketIdx := (idx & (c.subBucketHalfCount - 1)) + c.subBucketHalfCount

	if bucketIdx < 0 {
		subBucketIdx -= c.subBucketHalfCount
		bucketIdx = 0
	}

	lower = int64(subBucketIdx) << (bucketIdx + c.unitMagnitude)
	upper = lower + (int64(1) << (bucketIdx + c.unitMagnitude)) - 1

	return lower, upper
}

// LowestEquivalent returns the smallest value that encodes to the same
// bucket as v.
func (c *Config) LowestEquivalent(v int64) int64 {
	bucketIdx := c.bucketIndex(v)
	subBucketIdx := c.subBucketIndex(v, bucketIdx)

	return int64(subBucketIdx) << (bucketIdx + c.unitMagnitude)
}

// HighestEquivalent returns the largest value that encodes to the same
// bucket as v.
func (c *Config) HighestEquivalent(v int64) int64 {
	return c.NextNonEquivalent(v) - 1
}

// NextNonEquivalent returns the smallest value larger than v that
// encodes to a different bucket.
func (c *Config) NextNonEquivalent(v int64) int64 {
	return c.LowestEquivalent(v) + c.sizeOfEquivalentRange(v)
}

// Equivalent reports whether two values collapse to the same bucket,
// i.e. whether the histogram can tell them apart.
func (c *Config) Equivalent(a, b int64) bool {
	return c.LowestEquivalent(a) == c.LowestEquivalent(b)
}

// bucketIndex counts the powers of two by which v exceeds the largest
// value representable in bucket 0. ORing in subBucketMask floors the
// result at zero for values below the sub-bucket range.
func (c *Config) bucketIndex(v int64) int {
	pow2Ceiling := 64 - bits.LeadingZeros64(uint64(v|c.subBucketMask))

	return pow2Ceiling - c.unitMagnitude - (c.subBucketHalfMag + 1)
}

// subBucketIndex yields v's linear position within its bucket. For
// bucketIdx 0 this spans the whole sub-bucket range; for larger buckets
// it always lands in the top half, because a value in the bottom half
// would have resolved to the previous bucket.
func (c *Config) subBucketIndex(v int64, bucketIdx int) int {
	return int(v >> (bucketIdx + c.unitMagnitude))
}

func (c *Config) countsIndex(bucketIdx, subBucketIdx int) int {
	baseIdx := (bucketIdx + 1) << c.subBucketHalfMag

	return baseIdx + subBucketIdx - c.subBucketHalfCount
}

func (c *Config) sizeOfEquivalentRange(v int64) int64 {
	bucketIdx := c.bucketIndex(v)

	adjusted := bucketIdx
	if c.subBucketIndex(v, bucketIdx) >= c.subBucketCount {
		adjusted++
	}

	return int64(1) << (c.unitMagnitude + adjusted)
}
