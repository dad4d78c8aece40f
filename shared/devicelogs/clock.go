package devicelogs

import (
	"sync/atomic"
	"time"
)

// NanoClock hands out wall-clock nanosecond timestamps that strictly increase within the process,
// even when the wall clock stalls or several lines arrive within the same nanosecond.
type NanoClock struct {
	last atomic.Uint64
	now  func() time.Time
}

// NewNanoClock creates a clock reading from now. A nil now uses time.Now.
func NewNanoClock(now func() time.Time) *NanoClock {
	if now == nil {
		now = time.Now
	}
	return &NanoClock{now: now}
}

// Next returns the next timestamp, always greater than any previously returned one.
func (c *NanoClock) Next() uint64 {
	wall := uint64(c.now().UnixNano())
	for {
		last := c.last.Load()
		next := wall
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// NanoToMillis converts a nano timestamp to unix milliseconds.
func NanoToMillis(nano uint64) int64 {
	return int64(nano / uint64(time.Millisecond))
}
