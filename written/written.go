// Package written tracks which byte ranges of a file have been written,
// and lets readers wait for new writes.
package written

import (
	"fmt"
	"sync"

	"github.com/anacrolix/chansync"
	"github.com/google/btree"
)

// Range is a half-open byte range [Offset, Offset + Length).
type Range struct {
	Offset int64
	Length int64
}

func (r Range) End() int64 {
	return r.Offset + r.Length
}

func (r Range) String() string {
	return fmt.Sprintf("[%v,%v)", r.Offset, r.End())
}

func less(a, b Range) bool {
	return a.Offset < b.Offset
}

// Tracker is a set of written ranges.  Ranges are kept sorted,
// non-overlapping and non-adjacent.
type Tracker struct {
	mu     sync.Mutex
	ranges *btree.BTreeG[Range]
	cond   chansync.BroadcastCond
}

func New() *Tracker {
	return &Tracker{
		ranges: btree.NewG(8, less),
	}
}

// Add records that [offset, offset + length) has been written, and wakes
// up every waiter.  Empty ranges are ignored.
func (t *Tracker) Add(offset, length int64) {
	if length <= 0 {
		return
	}
	start, end := offset, offset+length

	t.mu.Lock()
	var merge []Range
	t.ranges.DescendLessOrEqual(Range{Offset: start - 1},
		func(r Range) bool {
			if r.End() >= start {
				merge = append(merge, r)
			}
			return false
		})
	t.ranges.AscendGreaterOrEqual(Range{Offset: start},
		func(r Range) bool {
			if r.Offset > end {
				return false
			}
			merge = append(merge, r)
			return true
		})
	for _, r := range merge {
		t.ranges.Delete(r)
		if r.Offset < start {
			start = r.Offset
		}
		if r.End() > end {
			end = r.End()
		}
	}
	t.ranges.ReplaceOrInsert(Range{start, end - start})
	t.mu.Unlock()

	t.cond.Broadcast()
}

// Contiguous returns the largest l such that [pos, pos + l) has been
// written.
func (t *Tracker) Contiguous(pos int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var l int64
	t.ranges.DescendLessOrEqual(Range{Offset: pos},
		func(r Range) bool {
			if r.End() > pos {
				l = r.End() - pos
			}
			return false
		})
	return l
}

// Signaled returns a channel that is closed by the next call to Add.
// Callers must obtain it before checking for data.
func (t *Tracker) Signaled() <-chan struct{} {
	return t.cond.Signaled()
}

// Ranges returns a copy of the set of written ranges, in order.
func (t *Tracker) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := make([]Range, 0, t.ranges.Len())
	t.ranges.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Len returns the number of disjoint ranges.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ranges.Len()
}
