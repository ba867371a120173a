// Package rate implements the byte rate estimator used by read channels
// to measure how fast a consumer reads.
package rate

import (
	"math"
	"sync"
	"time"
)

// Estimator is a rate estimator using exponential decay.  It is not
// thread-safe.
type Estimator struct {
	seconds float64
	value   float64
	base    float64
	time    time.Time
	running bool
}

// Init initialises a rate estimator with the given time constant.
func (e *Estimator) Init(interval time.Duration) {
	e.time = time.Now()
	e.seconds = float64(interval) / float64(time.Second)
	e.base = -1.0 / e.seconds
	e.value = 0
}

// Start starts a rate estimator.
func (e *Estimator) Start() {
	if !e.running {
		e.time = time.Now()
		e.running = true
	}
}

// Stop stops a rate estimator.  A stopped estimator keeps its value but
// ignores accumulated bytes.
func (e *Estimator) Stop() {
	e.running = false
}

func (e *Estimator) Running() bool {
	return e.running
}

func (e *Estimator) advance(now time.Time) {
	delay := now.Sub(e.time)
	e.time = now
	if delay <= time.Duration(0) {
		return
	}
	seconds := float64(delay) * (1 / float64(time.Second))
	e.value = e.value * math.Exp(e.base*seconds)
}

func (e *Estimator) accumulate(value int, now time.Time) {
	if !e.running {
		return
	}
	e.advance(now)
	e.value += float64(value)
	if e.value < 0 {
		e.value = 0
	}
}

func (e *Estimator) rate(value float64) float64 {
	if e.seconds <= 0 {
		return 0
	}
	return value / e.seconds
}

// Estimate returns an estimate of the current rate in bytes per second.
func (e *Estimator) Estimate() float64 {
	if e.running {
		e.advance(time.Now())
	}
	return e.rate(e.value)
}

// Accumulate notifies the estimator that the given number of bytes has
// been consumed.
func (e *Estimator) Accumulate(value int) {
	e.accumulate(value, time.Now())
}

// AtomicEstimator is a thread-safe rate estimator.
type AtomicEstimator struct {
	sync.Mutex
	e Estimator
}

func (e *AtomicEstimator) Init(interval time.Duration) {
	e.Lock()
	e.e.Init(interval)
	e.Unlock()
}

func (e *AtomicEstimator) Start() {
	e.Lock()
	e.e.Start()
	e.Unlock()
}

func (e *AtomicEstimator) Stop() {
	e.Lock()
	e.e.Stop()
	e.Unlock()
}

func (e *AtomicEstimator) Estimate() float64 {
	e.Lock()
	v := e.e.Estimate()
	e.Unlock()
	return v
}

func (e *AtomicEstimator) Accumulate(value int) {
	e.Lock()
	e.e.Accumulate(value)
	e.Unlock()
}
