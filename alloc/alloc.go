//go:build !unix

// Package alloc allocates the buffers that hold piece data.
package alloc

import (
	"sync/atomic"

	"github.com/anacrolix/log"
)

var logger = log.Default.WithNames("alloc")

func init() {
	logger.Levelf(log.Debug, "using generic memory allocator")
}

var allocated int64

// Alloc returns a zeroed buffer of the given size.
func Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrSize
	}
	atomic.AddInt64(&allocated, int64(size))
	return make([]byte, size), nil
}

func Free(p []byte) error {
	atomic.AddInt64(&allocated, -int64(cap(p)))
	return nil
}
