package randread

import (
	"fmt"
	"sync"

	"github.com/anacrolix/chansync"

	"github.com/jech/stread/download"
	"github.com/jech/stread/event"
)

type State int

const (
	StateQueued State = iota
	StateRunning
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request is a random read.  Data is delivered in Success events, from
// the start of the range or, for a reverse request, from its end.
type Request struct {
	controller *Controller
	file       download.File
	offset     int64
	length     int64
	reverse    bool
	listeners  event.Listeners
	cancelled  chansync.SetOnce
	done       chansync.SetOnce

	mu    sync.Mutex
	state State
	err   error
}

func (r *Request) File() download.File {
	return r.file
}

func (r *Request) Offset() int64 {
	return r.offset
}

func (r *Request) Length() int64 {
	return r.length
}

func (r *Request) Reverse() bool {
	return r.reverse
}

func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel that is closed when the request terminates.
func (r *Request) Done() <-chan struct{} {
	return r.done.Done()
}

// Err returns the error carried by the Failed event, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cancel cancels a request.  A queued request fails immediately, a
// running one is failed by its controller.
func (r *Request) Cancel() {
	r.cancelled.Set()
	c := r.controller
	c.mu.Lock()
	r.mu.Lock()
	queued := r.state == StateQueued
	r.mu.Unlock()
	if queued {
		c.remove(r)
	}
	c.mu.Unlock()
	if queued {
		r.finish(event.ErrCancelled)
	}
}

func (r *Request) deliver(offset int64, data []byte) {
	r.listeners.Emit(event.Success{Offset: offset, Data: data})
}

// finish moves the request to its terminal state.  Only the first call
// has any effect.
func (r *Request) finish(err error) {
	r.mu.Lock()
	switch r.state {
	case StateComplete, StateFailed, StateCancelled:
		r.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		r.state = StateComplete
	case event.IsKind(err, event.KindCancelled):
		r.state = StateCancelled
	default:
		r.state = StateFailed
	}
	r.err = err
	r.mu.Unlock()

	if err != nil {
		r.listeners.Emit(event.Failed{Err: err})
	}
	r.done.Set()
}
