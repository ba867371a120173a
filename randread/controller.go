package randread

import (
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/jech/stread/config"
	"github.com/jech/stread/download"
	"github.com/jech/stread/event"
)

// Controller executes the random reads of a single download, one at a
// time and in order.
type Controller struct {
	download download.Download
	timing   config.Timing
	kick     chan struct{}
	quit     chansync.SetOnce

	mu       sync.Mutex
	queue    []*Request
	current  *Request
	busy     bool
	lastBusy time.Time
	stopped  bool
	forced   bool
}

func newController(d download.Download, timing config.Timing) *Controller {
	return &Controller{
		download: d,
		timing:   timing,
		kick:     make(chan struct{}, 1),
		lastBusy: time.Now(),
	}
}

func (c *Controller) Download() download.Download {
	return c.download
}

// Len returns the number of queued requests.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Controller) enqueue(r *Request) {
	c.mu.Lock()
	c.queue = append(c.queue, r)
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// called locked
func (c *Controller) remove(r *Request) {
	for i, q := range c.queue {
		if q == r {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// pop takes the next request off the queue and marks the controller as
// busy, or marks it idle if there is nothing to do.
func (c *Controller) pop() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		c.busy = false
		c.lastBusy = time.Now()
		c.current = nil
	}
	if c.stopped || len(c.queue) == 0 {
		return nil
	}
	r := c.queue[0]
	c.queue = c.queue[1:]
	c.busy = true
	c.current = r
	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	return r
}

func (c *Controller) idle(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.busy && len(c.queue) == 0 && now.Sub(c.lastBusy) >= timeout
}

func (c *Controller) dispatch() {
	for {
		select {
		case <-c.kick:
		case <-c.quit.Done():
			return
		}
		for {
			r := c.pop()
			if r == nil {
				break
			}
			err := c.execute(r)
			if err != nil {
				logger.Levelf(log.Debug, "%v: read %v+%v failed: %v",
					c.download.Hash(), r.offset, r.length, err)
			}
			r.finish(err)
		}
	}
}

// stop terminates the dispatcher, fails any queued requests and
// releases the force-start reference.
func (c *Controller) stop() {
	c.mu.Lock()
	c.stopped = true
	queue := c.queue
	c.queue = nil
	current := c.current
	forced := c.forced
	c.forced = false
	c.mu.Unlock()

	c.quit.Set()
	for _, r := range queue {
		r.cancelled.Set()
		r.finish(event.ErrCancelled)
	}
	if current != nil {
		current.cancelled.Set()
	}
	if forced {
		c.download.ForceStart().Release()
	}
}

func (c *Controller) acquireForceStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.forced && !c.stopped {
		c.forced = c.download.ForceStart().Acquire()
	}
}

// waitRunning waits for the download to start running.
func (c *Controller) waitRunning(r *Request) error {
	d := c.download
	running := make(chan struct{}, 1)
	remove := d.AddStateListener(func(old, new download.State) {
		if new.Running() {
			select {
			case running <- struct{}{}:
			default:
			}
		}
	})
	defer remove()
	if d.State().Running() {
		return nil
	}
	timer := time.NewTimer(c.timing.StartTimeout)
	defer timer.Stop()
	select {
	case <-running:
		return nil
	case <-r.cancelled.Done():
		return event.ErrCancelled
	case <-timer.C:
		return event.ErrTimeout
	}
}

func (c *Controller) execute(r *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = event.IO(errors.Errorf("%v", p), "panic")
		}
	}()

	if r.cancelled.IsSet() {
		return event.ErrCancelled
	}

	d := c.download
	file := r.file
	if d.Destroyed() {
		logger.Levelf(log.Warning, "%v: download has been removed",
			d.Hash())
		return event.Statef("download has been removed")
	}

	fileStart := file.Offset()
	start := fileStart + r.offset
	end := start + r.length
	pieceSize := d.PieceSize()
	if pieceSize <= 0 {
		return event.Statef("invalid piece size %v", pieceSize)
	}

	if !download.Complete(file) {
		if file.Skipped() {
			file.SetSkipped(false)
		}
		if !d.ForceStarted() {
			c.acquireForceStart()
			err := c.waitRunning(r)
			if err != nil {
				return err
			}
		}
	}

	direction := "forwards"
	if r.reverse {
		direction = "backwards"
	}
	logger.Levelf(log.Debug, "%v: reading %v at %v %v",
		d.Hash(), humanize.IBytes(uint64(r.length)), r.offset, direction)

	wake := make(chan struct{}, 1)
	removeWrite := file.AddWriteListener(func(offset, length int64) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer removeWrite()

	h := hinter{prev: -1, curr: -1}
	defer func() {
		h.reset(d)
	}()

	startTime := time.Now()
	hasStarted := false

	wait := func() error {
		timer := time.NewTimer(c.timing.RandomPoll)
		defer timer.Stop()
		select {
		case <-wake:
		case <-timer.C:
		case <-r.cancelled.Done():
			return event.ErrCancelled
		}
		return nil
	}

	// notRunning decides between waiting for the download to appear
	// and giving up.
	notRunning := func() error {
		if !hasStarted && time.Since(startTime) < c.timing.StartupGrace {
			return wait()
		}
		return event.Statef("download stopped")
	}

	for start < end {
		if r.cancelled.IsSet() {
			return event.ErrCancelled
		}

		var availStart, availEnd int64
		dm := d.DiskManager()
		if dm == nil {
			if !download.Complete(file) {
				err := notRunning()
				if err != nil {
					return err
				}
				continue
			}
			availStart, availEnd = start, end
		} else {
			hasStarted = true
			if r.reverse {
				availStart = availableBackward(dm, pieceSize, start, end)
				availEnd = end
			} else {
				availStart = start
				availEnd = availableForward(dm, pieceSize, start, end)
			}
		}

		if availEnd > availStart {
			if availEnd-availStart > config.RandomReadChunk {
				if r.reverse {
					availStart = availEnd - config.RandomReadChunk
				} else {
					availEnd = availStart + config.RandomReadChunk
				}
			}
			buf := make([]byte, availEnd-availStart)
			n, err := file.ReadAt(buf, availStart-fileStart)
			if n != len(buf) {
				if err == nil {
					err = errors.Errorf(
						"insufficient bytes read "+
							"(expected=%v, actual=%v)",
						len(buf), n)
				}
				return event.IO(err, "read")
			}
			r.deliver(availStart-fileStart, buf)
			if r.reverse {
				end = availStart
			} else {
				start = availEnd
			}
			continue
		}

		pm := d.PeerManager()
		if pm == nil {
			err := notRunning()
			if err != nil {
				return err
			}
			continue
		}
		hasStarted = true

		h.set(pm, hintFor(pieceSize, start, end, r.reverse), r.reverse)
		err := wait()
		if err != nil {
			return err
		}
	}
	return nil
}
