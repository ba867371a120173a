package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/jech/stread/download"
	"github.com/jech/stread/event"
)

// ErrAlreadyRun is returned when running a request for the second time.
var ErrAlreadyRun = event.Statef("request has already been run")

const (
	stateIdle int32 = iota
	stateRunning
	stateDone
)

// Request is a single sequential read.  It produces a sequence of
// Blocked and Success events, and at most one terminal Failed event.
type Request struct {
	channel *Channel
	offset  int64
	length  int64

	position  int64 // atomic
	maxChunk  int64 // atomic
	state     int32 // atomic
	cancelled chansync.SetOnce
	listeners event.Listeners

	mu        sync.Mutex
	userAgent string
}

func (r *Request) Offset() int64 {
	return r.offset
}

func (r *Request) Length() int64 {
	return r.length
}

// SetMaxChunk sets the maximum size of the data carried by a single
// Success event.
func (r *Request) SetMaxChunk(size int) {
	if size <= 0 {
		return
	}
	atomic.StoreInt64(&r.maxChunk, int64(size))
}

func (r *Request) getMaxChunk() int64 {
	return atomic.LoadInt64(&r.maxChunk)
}

func (r *Request) SetUserAgent(ua string) {
	r.mu.Lock()
	r.userAgent = ua
	r.mu.Unlock()
}

func (r *Request) UserAgent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userAgent
}

func (r *Request) AddListener(l event.Listener) (remove func()) {
	return r.listeners.Add(l)
}

// Remaining returns the number of bytes not yet delivered.
func (r *Request) Remaining() int64 {
	return r.length - (atomic.LoadInt64(&r.position) - r.offset)
}

// AvailableBytes returns the number of bytes that can be delivered
// without blocking.  The result is unknown when the file is incomplete
// and the download is not running.
func (r *Request) AvailableBytes() generics.Option[int64] {
	c := r.channel
	if download.Complete(c.file) {
		return generics.Some(r.Remaining())
	}
	if !c.download.State().Running() {
		return generics.None[int64]()
	}
	return generics.Some(c.written.Contiguous(atomic.LoadInt64(&r.position)))
}

// Cancel cancels a request.  A request that hasn't started fails
// immediately, a running one fails on the goroutine running it, and a
// finished one is not affected.
func (r *Request) Cancel() {
	r.cancelled.Set()
	if atomic.CompareAndSwapInt32(&r.state, stateIdle, stateDone) {
		r.listeners.Emit(event.Failed{Err: event.ErrCancelled})
	}
}

// Run performs the request on the calling goroutine, delivering events
// to the listeners.  It returns the error carried by the Failed event,
// if any.
func (r *Request) Run() error {
	if !atomic.CompareAndSwapInt32(&r.state, stateIdle, stateRunning) {
		if r.cancelled.IsSet() {
			return event.ErrCancelled
		}
		return ErrAlreadyRun
	}
	err := r.run()
	atomic.StoreInt32(&r.state, stateDone)
	if err != nil {
		logger.Levelf(log.Debug, "channel %v: request at %v failed: %v",
			r.channel.id, r.offset, err)
		r.listeners.Emit(event.Failed{Err: err})
	}
	return err
}

func (r *Request) run() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = event.IO(errors.Errorf("%v", p), "panic")
		}
	}()

	c := r.channel
	pos := r.offset
	rem := r.length
	var notRunningSince time.Time

	for rem > 0 {
		if r.cancelled.IsSet() {
			return event.ErrCancelled
		}
		atomic.StoreInt64(&r.position, pos)
		atomic.StoreInt64(&c.position, pos)

		signaled := c.written.Signaled()
		l := c.written.Contiguous(pos)
		if l > 0 {
			if l > rem {
				l = rem
			}
			if mc := r.getMaxChunk(); l > mc {
				l = mc
			}
			buf := make([]byte, l)
			n, err := c.file.ReadAt(buf, pos)
			if int64(n) != l {
				if err == nil {
					err = errors.Errorf(
						"insufficient bytes read "+
							"(expected=%v, actual=%v)",
						l, n)
				}
				return event.IO(err, "read")
			}
			r.listeners.Emit(event.Success{Offset: pos, Data: buf})
			pos += l
			rem -= l
			c.rate.Accumulate(int(l))
			atomic.StoreInt64(&r.position, pos)
			atomic.StoreInt64(&c.position, pos)
			continue
		}

		r.listeners.Emit(event.Blocked{Offset: pos})
		err := r.wait(signaled, &notRunningSince)
		if err != nil {
			return err
		}
	}
	return nil
}

// wait blocks until data is written, the request is cancelled, or the
// download can no longer deliver data.
func (r *Request) wait(signaled <-chan struct{}, notRunningSince *time.Time) error {
	c := r.channel
	timer := time.NewTimer(c.timing.BlockedPoll)
	defer timer.Stop()
	for {
		select {
		case <-signaled:
			return nil
		case <-r.cancelled.Done():
			return event.ErrCancelled
		case <-timer.C:
		}
		timer.Reset(c.timing.BlockedPoll)

		d := c.download
		if d.Destroyed() {
			return event.Statef("download has been removed")
		}
		if c.file.Skipped() {
			return event.Statef("file is 'do not download'")
		}
		state := d.State()
		if state == download.StateError ||
			state == download.StateStopped {
			now := time.Now()
			if notRunningSince.IsZero() {
				*notRunningSince = now
			} else if now.Sub(*notRunningSince) > c.timing.NotRunningGrace {
				if d.Paused() {
					return event.Statef("download has been paused")
				}
				return event.Statef("download has been stopped")
			}
		} else {
			*notRunningSince = time.Time{}
		}
	}
}
