// Package mono implements monotonic time in milliseconds.
package mono

import (
	"sync/atomic"
	"time"
)

var origin time.Time

func init() {
	origin = time.Now().Add(-time.Second)
}

// Time represents a monotonic time with millisecond granularity.  The
// zero value is never returned by Now, and is used to mean "no time".
type Time int64

// New converts a wall-clock time into a monotonic time.
func New(tm time.Time) Time {
	d := tm.Sub(origin)
	if d < time.Millisecond {
		return 1
	}
	return Time(d / time.Millisecond)
}

// Sub returns t1 - t2, or 0 if t1 is before t2.
func (t1 Time) Sub(t2 Time) time.Duration {
	if t1 < t2 {
		return 0
	}
	return time.Duration(t1-t2) * time.Millisecond
}

// Add returns t + d, truncated to the millisecond.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d/time.Millisecond)
}

// Before returns true if t1 < t2.
func (t1 Time) Before(t2 Time) bool {
	return t1 < t2
}

// Now returns the current monotonic time, as a number of milliseconds
// since an arbitrary origin.
func Now() Time {
	return New(time.Now())
}

// Since returns the time elapsed since t.
func Since(t Time) time.Duration {
	return Now().Sub(t)
}

// LoadAtomic performs an atomic load of a mono.Time.
func LoadAtomic(addr *Time) Time {
	return Time(atomic.LoadInt64((*int64)(addr)))
}

// StoreAtomic performs an atomic store of a mono.Time.
func StoreAtomic(addr *Time, val Time) {
	atomic.StoreInt64((*int64)(addr), int64(val))
}
