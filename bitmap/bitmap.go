// Package bitmap implements the per-piece bitmaps of written blocks.  Bit
// i is set when block i of a piece has been written.
package bitmap

import (
	"math/bits"
	"strings"
)

type Bitmap []uint8

func New(length int) Bitmap {
	return Bitmap(make([]uint8, (length+7)/8))
}

// Get returns true if the ith bit is set.
func (b Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i>>3 >= len(b) {
		return false
	}
	return (b[i>>3] & (1 << (7 - uint8(i&7)))) != 0
}

func (b Bitmap) String() string {
	var buf strings.Builder
	buf.Grow(len(b)*8 + 2)
	buf.WriteByte('[')
	for i := 0; i < len(b)*8; i++ {
		if b.Get(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	buf.WriteByte(']')
	return buf.String()
}

// Extend sets the length of the bitmap to at least the smallest multiple
// of 8 that is strictly larger than i.
func (b *Bitmap) Extend(i int) {
	if i>>3 >= len(*b) {
		*b = append(*b, make([]uint8, (i>>3)+1-len(*b))...)
	}
}

// Set sets the ith bit of the bitmap, extending it if necessary.
func (b *Bitmap) Set(i int) {
	b.Extend(i)
	(*b)[i>>3] |= (1 << (7 - uint8(i&7)))
}

// Reset resets the ith bit of the bitmap.
func (b *Bitmap) Reset(i int) {
	if i>>3 >= len(*b) {
		return
	}
	(*b)[i>>3] &= ^(1 << (7 - uint8(i&7)))
}

func (b Bitmap) Copy() Bitmap {
	if b == nil {
		return nil
	}
	c := make([]uint8, len(b))
	copy(c, b)
	return c
}

// SetMultiple sets all bits from 0 up to n - 1.
func (b *Bitmap) SetMultiple(n int) {
	if n <= 0 {
		return
	}
	b.Extend(n - 1)
	for i := 0; i < (n >> 3); i++ {
		(*b)[i] = 0xFF
	}
	for i := (n & ^7); i < n; i++ {
		b.Set(i)
	}
}

// Empty returns true if no bits are set.
func (b Bitmap) Empty() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// All returns true if all bits from 0 up to n - 1 are set.
func (b Bitmap) All(n int) bool {
	if n == 0 {
		return true
	}
	if len(b) < n>>3 {
		return false
	}
	for i := 0; i < n>>3; i++ {
		if b[i] != 0xFF {
			return false
		}
	}
	if n&7 == 0 {
		return true
	}
	mask := uint8(0xFF << (8 - uint8(n&7)))
	if len(b) < n>>3+1 || b[n>>3]&mask != mask {
		return false
	}
	return true
}

// Count returns the number of bits set.
func (b Bitmap) Count() int {
	count := 0
	for _, v := range b {
		count += bits.OnesCount8(v)
	}
	return count
}

// RunForward returns the number of consecutive set bits starting at
// from and going up, stopping before to.
func (b Bitmap) RunForward(from, to int) int {
	n := 0
	for i := from; i < to; i++ {
		if i&7 == 0 && i+8 <= to && i>>3 < len(b) && b[i>>3] == 0xFF {
			n += 8
			i += 7
			continue
		}
		if !b.Get(i) {
			break
		}
		n++
	}
	return n
}

// RunBackward returns the number of consecutive set bits starting at
// from and going down, stopping before to.  It requires to <= from + 1.
func (b Bitmap) RunBackward(from, to int) int {
	n := 0
	for i := from; i > to; i-- {
		if !b.Get(i) {
			break
		}
		n++
	}
	return n
}
