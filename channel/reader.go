package channel

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/jech/stread/event"
)

var errClosedReader = errors.New("closed reader")

// A Reader reads a file sequentially through a channel.  Each seek
// starts a new request at the new position.
type Reader struct {
	channel   *Channel
	context   context.Context
	length    int64
	userAgent string

	position int64
	pending  []byte
	request  *Request
	events   chan event.Event
	stop     chan struct{}
	closed   bool
}

// NewReader creates a reader over c.  Reads are aborted when ctx is
// done.
func NewReader(ctx context.Context, c *Channel) *Reader {
	return &Reader{
		channel: c,
		context: ctx,
		length:  c.file.Length(),
	}
}

// SetUserAgent sets the user agent recorded on subsequent requests.
func (r *Reader) SetUserAgent(ua string) {
	r.userAgent = ua
	if r.request != nil {
		r.request.SetUserAgent(ua)
	}
}

func (r *Reader) Seek(o int64, whence int) (int64, error) {
	if r.closed {
		return r.position, errClosedReader
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = o
	case io.SeekCurrent:
		pos = r.position + o
	case io.SeekEnd:
		pos = r.length + o
	default:
		return r.position, errors.New("seek: invalid whence")
	}
	if pos < 0 {
		return r.position, errors.New("seek: negative position")
	}
	if pos != r.position {
		r.cancel()
		r.position = pos
	}
	return pos, nil
}

func (r *Reader) cancel() {
	if r.request == nil {
		return
	}
	close(r.stop)
	r.request.Cancel()
	r.request = nil
	r.events = nil
	r.stop = nil
	r.pending = nil
}

func (r *Reader) start() error {
	req, err := r.channel.NewRequest(r.position, r.length-r.position)
	if err != nil {
		return err
	}
	req.SetUserAgent(r.userAgent)
	events := make(chan event.Event)
	stop := make(chan struct{})
	req.AddListener(func(e event.Event) {
		if _, ok := e.(event.Blocked); ok {
			return
		}
		select {
		case events <- e:
		case <-stop:
		}
	})
	r.request = req
	r.events = events
	r.stop = stop
	go req.Run()
	return nil
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errClosedReader
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.position >= r.length {
		r.cancel()
		return 0, io.EOF
	}

	if len(r.pending) == 0 {
		if r.request == nil {
			err := r.start()
			if err != nil {
				return 0, err
			}
		}
		select {
		case e := <-r.events:
			switch e := e.(type) {
			case event.Success:
				r.pending = e.Data
			case event.Failed:
				r.cancel()
				return 0, e.Err
			}
		case <-r.context.Done():
			r.cancel()
			return 0, r.context.Err()
		}
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	r.position += int64(n)
	return n, nil
}

// Close cancels any running request.  It does not destroy the channel.
func (r *Reader) Close() error {
	r.cancel()
	r.closed = true
	return nil
}
