// Package cycleclock converts between an absolute microsecond clock and
// sample offsets inside one fixed-length audio cycle.
//
// A Clock is plain data: no locking, no I/O, no allocation. It is owned by
// the thread that drives the cycle and may be used freely from the
// real-time path.
//
// Offsets are computed as floor((t - start) * rate / 1e6) rather than by
// dividing by the sample length, so integer timestamps at integer rates
// convert exactly and offset -> timestamp -> offset round-trips.
package cycleclock

import (
	"math"
	"time"
)

var epoch = time.Now()

// Now is the shared microsecond clock for cycle starts and MIDI
// timestamps. It is monotonic and never zero.
func Now() int64 {
	return time.Since(epoch).Microseconds() + 1
}

// Clock tracks the start of the current cycle.
type Clock struct {
	startUs         int64
	sampleRate      float64
	samplesPerCycle uint32
}

// New returns a clock configured for the given rate and cycle length.
func New(sampleRate float64, samplesPerCycle uint32) Clock {
	return Clock{sampleRate: sampleRate, samplesPerCycle: samplesPerCycle}
}

// SetRate changes the sample rate. Only call while the stream is stopped.
func (c *Clock) SetRate(sampleRate float64) {
	c.sampleRate = sampleRate
}

// SetCycleLength changes the samples per cycle. Only call while the stream
// is stopped.
func (c *Clock) SetCycleLength(samples uint32) {
	c.samplesPerCycle = samples
}

// Valid reports whether both rate and cycle length are known. Callers must
// skip timestamp conversion on an invalid clock.
func (c *Clock) Valid() bool {
	return c.sampleRate > 0 && c.samplesPerCycle > 0
}

// Started reports whether ResetStart has been called since the last Reset.
func (c *Clock) Started() bool {
	return c.startUs != 0
}

// Rate returns the configured sample rate.
func (c *Clock) Rate() float64 { return c.sampleRate }

// CycleLength returns the configured samples per cycle.
func (c *Clock) CycleLength() uint32 { return c.samplesPerCycle }

// Start returns the timestamp of the current cycle start in microseconds.
func (c *Clock) Start() int64 { return c.startUs }

// ResetStart marks nowUs as the start of a new cycle. The start never moves
// backwards; an earlier timestamp leaves it unchanged.
func (c *Clock) ResetStart(nowUs int64) {
	if nowUs > c.startUs {
		c.startUs = nowUs
	}
}

// Reset forgets the cycle start so the next ResetStart establishes a new
// time base. Used when cycle timing becomes meaningless (freewheeling).
func (c *Clock) Reset() {
	c.startUs = 0
}

// SampleLengthUs is the duration of one sample in microseconds.
func (c *Clock) SampleLengthUs() float64 {
	if c.sampleRate <= 0 {
		return 0
	}
	return 1e6 / c.sampleRate
}

// CycleLengthUs is the duration of one cycle in microseconds.
func (c *Clock) CycleLengthUs() float64 {
	if !c.Valid() {
		return 0
	}
	return float64(c.samplesPerCycle) * 1e6 / c.sampleRate
}

// SamplesSinceStart maps t to a sample offset from the cycle start.
// Timestamps at or before the start map to 0.
func (c *Clock) SamplesSinceStart(t int64) uint32 {
	if !c.Valid() || t <= c.startUs {
		return 0
	}
	delta := float64(t - c.startUs)
	return uint32(math.Floor(delta * c.sampleRate / 1e6))
}

// TimestampForOffset maps a sample offset inside the cycle to an absolute
// timestamp. The result is the first whole microsecond that falls inside
// the sample, so SamplesSinceStart(TimestampForOffset(k)) == k.
func (c *Clock) TimestampForOffset(offset uint32) int64 {
	if !c.Valid() {
		return c.startUs
	}
	return c.startUs + int64(math.Ceil(float64(offset)*1e6/c.sampleRate))
}

// NextCycleStart is the timestamp at which the following cycle begins.
func (c *Clock) NextCycleStart() int64 {
	return c.startUs + int64(math.Round(c.CycleLengthUs()))
}

// Contains reports whether t falls inside the current cycle.
func (c *Clock) Contains(t int64) bool {
	return c.startUs <= t && t < c.NextCycleStart()
}
