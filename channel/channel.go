// Package channel implements sequential reads from a file that is being
// downloaded.  A channel delivers data as soon as it is written, and
// tells the piece picker which pieces it will need next.
package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/jech/stread/config"
	"github.com/jech/stread/download"
	"github.com/jech/stread/event"
	"github.com/jech/stread/mono"
	"github.com/jech/stread/rate"
	"github.com/jech/stread/written"
)

var logger = log.Default.WithNames("channel")

var nextID int64

// Channel is a sequential reader of a single file.
type Channel struct {
	id         int64
	file       download.File
	download   download.Download
	fileOffset int64
	pieceSize  int64
	numPieces  int
	timing     config.Timing

	written *written.Tracker
	rate    rate.AtomicEstimator

	position  int64 // atomic, relative to the file
	destroyed atomic.Bool

	mu            sync.Mutex
	startPosition int64
	startTime     time.Time
	bufferMillis  int64
	bufferDelay   int64
	request       *Request
	picker        download.PiecePicker
	forced        bool
	removeWrite   func()
	removePeer    func()
}

// New creates a channel over file with the default timings.
func New(file download.File) (*Channel, error) {
	return NewWithTiming(file, config.DefaultTiming)
}

func NewWithTiming(file download.File, timing config.Timing) (*Channel, error) {
	d := file.Download()
	if d.Destroyed() {
		logger.Levelf(log.Warning, "%v: download has been removed", d.Hash())
		return nil, event.Statef("download has been removed")
	}
	pieceSize := d.PieceSize()
	if pieceSize <= 0 {
		return nil, event.Statef("download has invalid piece size %v",
			pieceSize)
	}

	c := &Channel{
		id:         atomic.AddInt64(&nextID, 1),
		file:       file,
		download:   d,
		fileOffset: file.Offset(),
		pieceSize:  pieceSize,
		numPieces:  d.NumPieces(),
		timing:     timing,
		written:    written.New(),
	}
	c.rate.Init(config.RateWindow)
	c.rate.Start()

	removePeer := d.AddPeerListener(peerListener{c})
	removeWrite := file.AddWriteListener(c.dataWritten)
	c.mu.Lock()
	c.removePeer = removePeer
	c.removeWrite = removeWrite
	c.mu.Unlock()

	logger.Levelf(log.Debug, "channel %v: %v (%v)", c.id, file.Name(),
		humanize.IBytes(uint64(file.Length())))

	reportCreated(c)
	return c, nil
}

func (c *Channel) File() download.File {
	return c.file
}

func (c *Channel) dataWritten(offset, length int64) {
	c.written.Add(offset, length)
}

type peerListener struct {
	c *Channel
}

func (l peerListener) PeerManagerAdded(pm download.PeerManager) {
	c := l.c
	picker := pm.PiecePicker()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.Load() || c.picker == picker {
		return
	}
	if c.picker != nil {
		c.picker.RemoveRTAProvider(c)
	}
	c.picker = picker
	picker.AddRTAProvider(c)
}

func (l peerListener) PeerManagerRemoved(pm download.PeerManager) {
	c := l.c
	picker := pm.PiecePicker()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.picker == picker {
		c.picker = nil
	}
	picker.RemoveRTAProvider(c)
}

// NewRequest creates a request for length bytes at offset within the
// file.  If the file is incomplete, it makes sure the download is
// running.
func (c *Channel) NewRequest(offset, length int64) (*Request, error) {
	if offset < 0 {
		return nil, event.Validationf("negative offset %v", offset)
	}
	if length < 0 {
		return nil, event.Validationf("negative length %v", length)
	}
	if c.destroyed.Load() {
		return nil, event.Statef("channel has been destroyed")
	}

	if !download.Complete(c.file) {
		paused := c.download.Paused()
		if c.file.Skipped() && !paused {
			c.file.SetSkipped(false)
		}
		// a paused download is not started behind the user's back;
		// running requests will notice that it doesn't run.
		if !paused {
			c.mu.Lock()
			if !c.forced {
				c.forced = c.download.ForceStart().Acquire()
			}
			c.mu.Unlock()
		}
	}

	r := &Request{
		channel:  c,
		offset:   offset,
		length:   length,
		position: offset,
		maxChunk: config.MaxReadChunk,
	}

	c.mu.Lock()
	c.request = r
	c.startTime = time.Now()
	c.startPosition = offset
	c.mu.Unlock()
	atomic.StoreInt64(&c.position, offset)

	return r, nil
}

// UpdateRTAs returns one deadline per piece of the download, asking for
// the pieces after the current position to arrive at the rate at which
// they are consumed.
func (c *Channel) UpdateRTAs(picker download.PiecePicker) []mono.Time {
	pos := c.fileOffset + atomic.LoadInt64(&c.position)
	first := int(pos / c.pieceSize)

	c.mu.Lock()
	bufferMillis := c.bufferMillis
	delay := c.bufferDelay
	c.mu.Unlock()
	if bufferMillis <= 0 {
		bufferMillis = config.BufferMillis()
	}

	r := c.rate.Estimate()
	bufferBytes := int64(r * float64(bufferMillis) / 1000)
	pieces := int(bufferBytes / c.pieceSize)
	if pieces < config.MinPiecesToBuffer() {
		pieces = config.MinPiecesToBuffer()
	}
	if pieces < 1 {
		pieces = 1
	}
	millisPerPiece := bufferMillis / int64(pieces)

	rtas := make([]mono.Time, c.numPieces)
	now := mono.Now() + mono.Time(delay)
	for k := 0; k < pieces && first+k < len(rtas); k++ {
		if first+k < 0 {
			continue
		}
		rtas[first+k] = now + mono.Time(int64(k)*millisPerPiece)
	}
	return rtas
}

// StartTime returns the time at which the current request was created.
func (c *Channel) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// StartPosition returns the offset of the current request within the
// download.
func (c *Channel) StartPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileOffset + c.startPosition
}

// CurrentPosition returns the read position within the download.
func (c *Channel) CurrentPosition() int64 {
	return c.fileOffset + atomic.LoadInt64(&c.position)
}

// Position returns the read position within the file.
func (c *Channel) Position() int64 {
	return atomic.LoadInt64(&c.position)
}

// BlockingPosition returns the position within the download at which
// the current request will block.
func (c *Channel) BlockingPosition() int64 {
	pos := c.CurrentPosition()
	r := c.currentRequest()
	if r == nil {
		return pos
	}
	avail := r.AvailableBytes()
	if avail.Ok && avail.Value > 0 {
		pos += avail.Value
	}
	return pos
}

// UserAgent returns the user agent of the current request, if any.
func (c *Channel) UserAgent() string {
	r := c.currentRequest()
	if r == nil {
		return ""
	}
	return r.UserAgent()
}

// SetBufferMillis overrides the amount of time buffered ahead of the
// current position, and delays every deadline by delay milliseconds.
// A zero millis restores the default.
func (c *Channel) SetBufferMillis(millis, delay int64) {
	c.mu.Lock()
	c.bufferMillis = millis
	c.bufferDelay = delay
	c.mu.Unlock()
}

func (c *Channel) Destroyed() bool {
	return c.destroyed.Load()
}

func (c *Channel) currentRequest() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// Destroy releases the resources held by a channel and cancels its
// current request.  It is safe to call Destroy multiple times.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if !c.destroyed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	removeWrite, removePeer := c.removeWrite, c.removePeer
	c.removeWrite, c.removePeer = nil, nil
	if c.picker != nil {
		c.picker.RemoveRTAProvider(c)
		c.picker = nil
	}
	forced := c.forced
	c.forced = false
	r := c.request
	c.mu.Unlock()

	if removeWrite != nil {
		removeWrite()
	}
	if removePeer != nil {
		removePeer()
	}
	err := c.file.Close()
	if err != nil {
		logger.Levelf(log.Warning, "channel %v: close: %v", c.id, err)
	}
	if forced {
		c.download.ForceStart().Release()
	}
	if r != nil {
		r.Cancel()
	}
	logger.Levelf(log.Debug, "channel %v: destroyed", c.id)
}

type createListener struct {
	id int
	f  func(*Channel)
}

var createMu sync.Mutex
var createNext int
var createListeners []createListener

// AddCreateListener registers a function called whenever a channel is
// created.
func AddCreateListener(f func(*Channel)) (remove func()) {
	createMu.Lock()
	defer createMu.Unlock()
	id := createNext
	createNext++
	createListeners = append(createListeners, createListener{id, f})
	return func() {
		createMu.Lock()
		defer createMu.Unlock()
		for i, l := range createListeners {
			if l.id == id {
				createListeners = append(
					createListeners[:i:i],
					createListeners[i+1:]...,
				)
				return
			}
		}
	}
}

func reportCreated(c *Channel) {
	createMu.Lock()
	ls := createListeners
	createMu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Levelf(log.Error,
						"create listener panicked: %v", r)
				}
			}()
			l.f(c)
		}()
	}
}
