//go:build unix

// Package alloc allocates the buffers that hold piece data.  Large
// buffers are mapped directly so that freeing them returns the memory
// to the system.
package alloc

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const cutoff = 128 * 1024

var allocated int64

// Alloc returns a zeroed buffer of the given size.
func Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrSize
	}
	if size < cutoff {
		atomic.AddInt64(&allocated, int64(size))
		return make([]byte, size), nil
	}
	p, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&allocated, int64(cap(p)))
	return p[:size], nil
}

// Free releases a buffer returned by Alloc.
func Free(p []byte) error {
	if cap(p) < cutoff {
		atomic.AddInt64(&allocated, -int64(cap(p)))
		return nil
	}
	err := unix.Munmap(p[:cap(p)])
	atomic.AddInt64(&allocated, -int64(cap(p)))
	return err
}
