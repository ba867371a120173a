// Package config holds the tunables of stread.
package config

import (
	"sync/atomic"
	"time"
)

var HTTPAddr string

// ChunkSize is the size of a block, the unit of write tracking.
const ChunkSize uint32 = 16 * 1024

// MaxReadChunk is the default maximum size of a single read performed by
// a sequential request.
const MaxReadChunk = 64 * 1024

// RandomReadChunk is the maximum amount of data delivered at once by a
// random read.
const RandomReadChunk = 128 * 1024

// RateWindow is the time constant of the byte rate estimator of channels.
const RateWindow = 20 * time.Second

var bufferMillis int64 = 60 * 1000
var minPiecesToBuffer int32 = 5

// BufferMillis returns the amount of playback time, in milliseconds, that
// channels try to keep buffered ahead of their position.
func BufferMillis() int64 {
	return atomic.LoadInt64(&bufferMillis)
}

func SetBufferMillis(millis int64) {
	if millis < 0 {
		millis = 0
	}
	atomic.StoreInt64(&bufferMillis, millis)
}

// MinPiecesToBuffer returns the minimum number of pieces given a
// deadline ahead of a channel's position.
func MinPiecesToBuffer() int {
	return int(atomic.LoadInt32(&minPiecesToBuffer))
}

func SetMinPiecesToBuffer(n int) {
	if n < 0 {
		n = 0
	}
	if n > 1<<20 {
		n = 1 << 20
	}
	atomic.StoreInt32(&minPiecesToBuffer, int32(n))
}

// Timing groups the waits and timeouts of the read schedulers.
type Timing struct {
	// BlockedPoll bounds a blocked sequential request's wait before it
	// re-checks the state of the download.
	BlockedPoll time.Duration
	// NotRunningGrace is how long a download may stay stopped or in
	// error before a blocked sequential request fails.
	NotRunningGrace time.Duration
	// RandomPoll bounds a random read's wait for written data.
	RandomPoll time.Duration
	// StartTimeout bounds the wait for a force-started download to run.
	StartTimeout time.Duration
	// StartupGrace is how long a random read tolerates a missing peer
	// manager before anything has been seen running.
	StartupGrace time.Duration
	// IdleSweep is the period of the random read controller sweep.
	IdleSweep time.Duration
	// IdleTimeout is how long a controller must be idle to be evicted.
	IdleTimeout time.Duration
}

var DefaultTiming = Timing{
	BlockedPoll:     500 * time.Millisecond,
	NotRunningGrace: 15 * time.Second,
	RandomPoll:      250 * time.Millisecond,
	StartTimeout:    10 * time.Second,
	StartupGrace:    10 * time.Second,
	IdleSweep:       5 * time.Second,
	IdleTimeout:     5 * time.Second,
}

var fetchRate uint32 = 2 * 1024 * 1024

// FetchRate is the throughput, in bytes per second, of simulated
// downloads.
func FetchRate() float64 {
	return float64(atomic.LoadUint32(&fetchRate))
}

func SetFetchRate(rate float64) {
	var r uint32
	if rate < 0 {
		r = 0
	} else if rate > float64(^uint32(0)) {
		r = ^uint32(0)
	} else {
		r = uint32(rate + 0.5)
	}
	atomic.StoreUint32(&fetchRate, r)
}

var Debug bool

var memoryMark int64

// MemoryMark is the amount of piece memory, in bytes, above which
// simulated downloads stop fetching.  Zero means no limit.
func MemoryMark() int64 {
	return atomic.LoadInt64(&memoryMark)
}

func SetMemoryMark(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	atomic.StoreInt64(&memoryMark, bytes)
}
