package alloc

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrSize = errors.New("negative allocation size")

// Bytes returns the amount of memory currently allocated.
func Bytes() int64 {
	return atomic.LoadInt64(&allocated)
}

// Over returns true if more than limit bytes are allocated.  A limit of
// zero or less means no limit.
func Over(limit int64) bool {
	return limit > 0 && Bytes() > limit
}
