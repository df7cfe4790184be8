package pool

import "sync/atomic"

// Counters tracks pool accounting. All fields are updated atomically and may be read at any time.
type Counters struct {
	peak     atomic.Int64
	waiting  atomic.Int64
	reserved atomic.Int64
	rejected atomic.Int64
	creating atomic.Int64
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	Peak     int64 `json:"peak"`
	Waiting  int64 `json:"waiting"`
	Reserved int64 `json:"reserved"`
	Rejected int64 `json:"rejected"`
	Creating int64 `json:"creating"`
}

// Peak is the largest number of live objects seen.
func (c *Counters) Peak() int64 { return c.peak.Load() }

// Waiting is the number of callers currently inside Acquire.
func (c *Counters) Waiting() int64 { return c.waiting.Load() }

// Reserved is the number of objects currently handed out.
func (c *Counters) Reserved() int64 { return c.reserved.Load() }

// Rejected counts acquisitions that ended without an object.
func (c *Counters) Rejected() int64 { return c.rejected.Load() }

// Creating is the number of constructions in flight.
func (c *Counters) Creating() int64 { return c.creating.Load() }

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Peak:     c.peak.Load(),
		Waiting:  c.waiting.Load(),
		Reserved: c.reserved.Load(),
		Rejected: c.rejected.Load(),
		Creating: c.creating.Load(),
	}
}

func (c *Counters) observePeak(size int64) {
	for {
		cur := c.peak.Load()
		if size <= cur || c.peak.CompareAndSwap(cur, size) {
			return
		}
	}
}
