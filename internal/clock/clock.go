package clock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Clock provides wall time plus a raw monotonic reading, so window
// attribution stays consistent across wall-clock steps (NTP slews,
// manual adjustments).
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Monotonic returns nanoseconds from CLOCK_MONOTONIC.
	Monotonic() (int64, error)
	// Since returns the elapsed monotonic duration from a previous
	// Monotonic reading.
	Since(startNs int64) (time.Duration, error)
}

type systemClock struct{}

// NewSystem returns a Clock backed by the operating system.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Monotonic() (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("reading CLOCK_MONOTONIC: %w", err)
	}

	return ts.Nano(), nil
}

func (c systemClock) Since(startNs int64) (time.Duration, error) {
	now, err := c.Monotonic()
	if err != nil {
		return 0, err
	}

	return time.Duration(now - startNs), nil
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	WallTime    time.Time
	MonotonicNs int64
}

// NewFake returns a Fake starting at the given wall time.
func NewFake(start time.Time) *Fake {
	return &Fake{WallTime: start}
}

// Advance moves both the wall and monotonic readings forward.
func (f *Fake) Advance(d time.Duration) {
	f.WallTime = f.WallTime.Add(d)
	f.MonotonicNs += d.Nanoseconds()
}

func (f *Fake) Now() time.Time {
	return f.WallTime
}

func (f *Fake) Monotonic() (int64, error) {
	return f.MonotonicNs, nil
}

func (f *Fake) Since(startNs int64) (time.Duration, error) {
	return time.Duration(f.MonotonicNs - startNs), nil
}
