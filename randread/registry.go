// Package randread implements random reads from files that are being
// downloaded.  Requests for a download are executed one at a time by
// that download's controller, which steers the piece picker towards
// the data being read.
package randread

import (
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/jech/stread/config"
	"github.com/jech/stread/download"
	"github.com/jech/stread/event"
)

var logger = log.Default.WithNames("randread")

// Registry maps downloads to their controllers.  Controllers are
// created on demand and evicted after being idle for a while.  Downloads
// are told apart by identity, not by hash: a download that is re-added
// gets a fresh controller.
type Registry struct {
	timing config.Timing
	closed chansync.SetOnce
	swept  chan struct{}

	mu          sync.Mutex
	controllers map[download.Download]*Controller
}

func NewRegistry() *Registry {
	return NewRegistryWithTiming(config.DefaultTiming)
}

func NewRegistryWithTiming(timing config.Timing) *Registry {
	r := &Registry{
		timing:      timing,
		swept:       make(chan struct{}),
		controllers: make(map[download.Download]*Controller),
	}
	go r.sweeper()
	return r
}

// Request creates and queues a random read.  It returns nil, after
// logging a warning, if the range is not within the file.
func (r *Registry) Request(file download.File, offset, length int64, reverse bool, listener event.Listener) *Request {
	flen := file.Length()
	if offset < 0 || offset >= flen {
		logger.Levelf(log.Warning,
			"invalid file offset %v, file size=%v", offset, flen)
		return nil
	}
	if length <= 0 || offset+length > flen {
		logger.Levelf(log.Warning,
			"invalid read length %v, offset=%v, file size=%v",
			length, offset, flen)
		return nil
	}
	d := file.Download()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.IsSet() {
		logger.Levelf(log.Warning, "request on closed registry")
		return nil
	}
	c := r.controller(d)
	req := &Request{
		controller: c,
		file:       file,
		offset:     offset,
		length:     length,
		reverse:    reverse,
	}
	req.listeners.Add(listener)
	c.enqueue(req)
	return req
}

// called locked
func (r *Registry) controller(d download.Download) *Controller {
	c := r.controllers[d]
	if c == nil {
		c = newController(d, r.timing)
		r.controllers[d] = c
		go c.dispatch()
		logger.Levelf(log.Debug, "%v: new controller", d.Hash())
	}
	return c
}

// Controller returns the controller of d, or nil if there is none.
func (r *Registry) Controller(d download.Download) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllers[d]
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

func (r *Registry) sweeper() {
	defer close(r.swept)
	ticker := time.NewTicker(r.timing.IdleSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.closed.Done():
			return
		}
	}
}

// sweep evicts the controllers that have been idle for long enough.
func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	var evicted []*Controller
	for d, c := range r.controllers {
		if c.idle(now, r.timing.IdleTimeout) {
			delete(r.controllers, d)
			evicted = append(evicted, c)
		}
	}
	r.mu.Unlock()

	for _, c := range evicted {
		logger.Levelf(log.Debug, "%v: evicting idle controller",
			c.download.Hash())
		c.stop()
	}
}

// Close stops every controller and fails the requests they hold.
func (r *Registry) Close() {
	if !r.closed.Set() {
		return
	}
	<-r.swept
	r.mu.Lock()
	cs := make([]*Controller, 0, len(r.controllers))
	for d, c := range r.controllers {
		delete(r.controllers, d)
		cs = append(cs, c)
	}
	r.mu.Unlock()
	for _, c := range cs {
		c.stop()
	}
}
