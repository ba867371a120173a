// Package piece implements the in-memory store of the pieces of a
// torrent, tracked at the granularity of chunks.
package piece

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/jech/stread/alloc"
	"github.com/jech/stread/bitmap"
	"github.com/jech/stread/config"
	"github.com/jech/stread/mono"
)

// ErrDeleted indicates that the pieces structure has been deleted.
var ErrDeleted = errors.New("pieces deleted")

// A Piece represents a single piece of a torrent.  It is complete when
// all of its chunks have been written.
type Piece struct {
	data   []byte
	bitmap bitmap.Bitmap
	state  uint32
	time   mono.Time
}

const stateComplete uint32 = 1

func (p *Piece) complete() bool {
	return p.state == stateComplete
}

func (p *Piece) Complete() bool {
	return atomic.LoadUint32(&p.state) == stateComplete
}

type Pieces struct {
	sync.RWMutex
	deleted bool // torrent destroyed, don't add new data
	pieces  []Piece
	count   int // count of non-empty pieces

	// set by Init, immutable afterwards
	pieceSize uint32
	length    int64
}

func (ps *Pieces) Length() int64 {
	return ps.length
}

func (ps *Pieces) PieceSize() uint32 {
	return ps.pieceSize
}

func (ps *Pieces) Num() int {
	return len(ps.pieces)
}

// Init sets the geometry of ps.  It must be called exactly once, before
// any other method.
func (ps *Pieces) Init(psize uint32, length int64) {
	if ps.length > 0 {
		panic("Pieces.Init() called twice")
	}
	ps.pieces = make([]Piece, (length+int64(psize-1))/int64(psize))
	ps.pieceSize = psize
	ps.length = length
}

// Bitmap returns a bitmap with a bit set for each complete piece.
func (ps *Pieces) Bitmap() bitmap.Bitmap {
	b := bitmap.New(len(ps.pieces))
	ps.RLock()
	defer ps.RUnlock()
	for i := range ps.pieces {
		if ps.pieces[i].complete() {
			b.Set(i)
		}
	}
	return b
}

func (ps *Pieces) PieceComplete(n uint32) bool {
	return ps.pieces[n].Complete()
}

func (ps *Pieces) PieceEmpty(n uint32) bool {
	ps.RLock()
	v := ps.pieces[n].bitmap.Empty()
	ps.RUnlock()
	return v
}

// PieceBitmap returns the number of chunks of a piece and a copy of the
// bitmap of its written chunks.
func (ps *Pieces) PieceBitmap(n uint32) (int, bitmap.Bitmap) {
	var v bitmap.Bitmap
	chunks := ps.pieceChunks(n)
	ps.RLock()
	v = ps.pieces[n].bitmap.Copy()
	ps.RUnlock()
	return chunks, v
}

func (ps *Pieces) pieceLength(index uint32) uint32 {
	last := uint32(ps.length / int64(ps.pieceSize))
	if index < last {
		return ps.pieceSize
	} else if index == last {
		return uint32(ps.length % int64(ps.pieceSize))
	}
	return 0
}

func (ps *Pieces) PieceLength(index uint32) uint32 {
	ps.RLock()
	v := ps.pieceLength(index)
	ps.RUnlock()
	return v
}

func (ps *Pieces) pieceChunks(index uint32) int {
	return int((ps.pieceLength(index) + config.ChunkSize - 1) /
		config.ChunkSize)
}

// ReadAt reads written data at off.  It stops at the first chunk that
// hasn't been written, possibly returning 0 bytes, and crosses piece
// boundaries.
func (ps *Pieces) ReadAt(p []byte, off int64) (int, error) {
	if off >= ps.length {
		return 0, io.EOF
	}

	ps.RLock()
	defer ps.RUnlock()

	n := 0
	for n < len(p) && off < ps.length {
		index := uint32(off / int64(ps.pieceSize))
		begin := uint32(off % int64(ps.pieceSize))
		piece := &ps.pieces[index]
		if piece.data == nil {
			break
		}
		end := ps.pieceLength(index)
		if !piece.complete() {
			c := int(begin / config.ChunkSize)
			run := piece.bitmap.RunForward(c, ps.pieceChunks(index))
			if run == 0 {
				break
			}
			e := uint32(c+run) * config.ChunkSize
			if e < end {
				end = e
			}
		}
		m := copy(p[n:], piece.data[begin:end])
		n += m
		off += int64(m)
		if begin+uint32(m) < ps.pieceLength(index) {
			break
		}
	}
	return n, nil
}

// Update sets the access time of a piece to now.  It returns true if the
// piece is complete.
func (ps *Pieces) Update(index uint32) bool {
	now := mono.Now()

	ps.Lock()
	defer ps.Unlock()

	if ps.deleted {
		return false
	}

	if ps.pieces[index].time.Before(now) {
		ps.pieces[index].time = now
	}
	return ps.pieces[index].complete()
}

// AddData stores data at the given offset within a piece.  The offset
// must be chunk-aligned, and only whole chunks are stored (the last
// chunk of the torrent may be short).  It returns the number of bytes
// consumed and whether the piece is now complete.
func (ps *Pieces) AddData(index uint32, begin uint32, data []byte) (count uint32, complete bool, err error) {
	if ps.pieces[index].Complete() {
		return
	}

	ps.Lock()
	defer ps.Unlock()

	// test again
	if ps.pieces[index].complete() {
		return
	}

	if ps.deleted {
		err = ErrDeleted
		return
	}
	cs := config.ChunkSize
	pl := ps.pieceLength(index)

	if begin%cs != 0 {
		err = errors.New("adding data at odd offset")
		return
	}
	if begin >= pl {
		err = errors.New("adding data beyond end of piece")
		return
	}

	if ps.pieces[index].data == nil {
		var new []byte
		new, err = alloc.Alloc(int(pl))
		if err != nil {
			return
		}
		ps.pieces[index].data = new
		ps.count++
	}

	offset := begin
	for count < uint32(len(data)) {
		c := int(offset / config.ChunkSize)
		l := pl - offset
		if l > cs {
			l = cs
		}
		if l <= 0 || uint32(len(data)) < count+l {
			break
		}
		if !ps.pieces[index].bitmap.Get(c) {
			copy(ps.pieces[index].data[int(offset):],
				data[count:count+l])
			ps.pieces[index].bitmap.Set(c)
		}
		offset += l
		count += l
		if l%cs != 0 {
			break
		}
	}
	complete = ps.pieces[index].bitmap.All(ps.pieceChunks(index))
	if complete {
		atomic.StoreUint32(&ps.pieces[index].state, stateComplete)
	}
	return
}

func (ps *Pieces) Count() int {
	ps.RLock()
	v := ps.count
	ps.RUnlock()
	return v
}

// Hole returns the offset and length of the first run of missing chunks
// at or after offset in a piece, or ^uint32(0) twice if there is none.
func (ps *Pieces) Hole(index, offset uint32) (uint32, uint32) {
	ps.RLock()
	defer ps.RUnlock()
	p := &ps.pieces[index]
	if p.complete() {
		return ^uint32(0), ^uint32(0)
	}
	chunks := ps.pieceChunks(index)

	first := -1
	for i := int(offset / config.ChunkSize); i < chunks; i++ {
		if !p.bitmap.Get(i) {
			first = i
			break
		}
	}
	if first < 0 {
		return ^uint32(0), ^uint32(0)
	}
	count := 1
	for first+count < chunks && !p.bitmap.Get(first+count) {
		count++
	}

	o := uint32(first) * config.ChunkSize
	if first+count == chunks {
		return o, ps.pieceLength(index) - o
	}
	return o, uint32(count) * config.ChunkSize
}

// LastHole is like Hole, but returns the last missing chunk strictly
// before offset.
func (ps *Pieces) LastHole(index, offset uint32) (uint32, uint32) {
	ps.RLock()
	defer ps.RUnlock()
	p := &ps.pieces[index]
	if p.complete() || offset == 0 {
		return ^uint32(0), ^uint32(0)
	}
	pl := ps.pieceLength(index)
	if offset > pl {
		offset = pl
	}
	for i := int((offset - 1) / config.ChunkSize); i >= 0; i-- {
		if !p.bitmap.Get(i) {
			o := uint32(i) * config.ChunkSize
			l := config.ChunkSize
			if o+l > pl {
				l = pl - o
			}
			return o, l
		}
	}
	return ^uint32(0), ^uint32(0)
}

// Bytes returns an overestimate the amount of memory used up by ps.
func (ps *Pieces) Bytes() int64 {
	ps.RLock()
	defer ps.RUnlock()
	return int64(ps.count) * int64(ps.pieceSize)
}

// Del frees all pieces.  Any further AddData fails with ErrDeleted.
func (ps *Pieces) Del() {
	ps.Lock()
	defer ps.Unlock()
	for i := range ps.pieces {
		p := &ps.pieces[i]
		if p.data == nil {
			continue
		}
		err := alloc.Free(p.data)
		if err != nil {
			panic(err)
		}
		p.data = nil
		p.bitmap = nil
		atomic.StoreUint32(&p.state, 0)
		ps.count--
	}
	if ps.count != 0 {
		panic("Nonzero pieces count")
	}
	ps.deleted = true
}
