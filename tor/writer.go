package tor

import (
	"io"

	"github.com/pkg/errors"
)

var errClosedWriter = errors.New("closed writer")

// regionWriter stores a fetched region into a piece.  Data is handed to
// the piece store as soon as it fills whole chunks; a partial chunk is
// kept until the rest arrives.  Every stored chunk is accounted to the
// fetching peer and posted to the event loop.
type regionWriter struct {
	t      *Torrent
	p      *Peer
	index  uint32
	offset uint32
	count  uint32
	buf    []byte
}

func newRegionWriter(t *Torrent, p *Peer, r region) *regionWriter {
	return &regionWriter{t: t, p: p,
		index: r.index, offset: r.begin, count: r.length}
}

// store passes data to the piece store and returns what was not
// consumed.
func (w *regionWriter) store(data []byte) ([]byte, error) {
	n, complete, err := w.t.Pieces.AddData(w.index, w.offset, data)
	if n > 0 {
		w.t.post(TorData{w.index, w.offset, n, complete})
		w.count -= n
		w.offset += n
		data = data[n:]
	}
	return data, err
}

// ReadFrom fetches until the region is filled or r is exhausted.
func (w *regionWriter) ReadFrom(r io.Reader) (int64, error) {
	if w.t == nil {
		return 0, errClosedWriter
	}

	const bufSize = 32 * 1024
	if w.buf == nil {
		w.buf = make([]byte, 0, bufSize)
	}

	var total int64
	for w.count > uint32(len(w.buf)) {
		max := bufSize
		if int(w.count) < max {
			max = int(w.count)
		}
		if len(w.buf) >= max {
			return total, errors.New("chunk larger than buffer")
		}
		n, er := r.Read(w.buf[len(w.buf):max])
		w.buf = w.buf[:len(w.buf)+n]
		if n > 0 {
			total += int64(n)
			DownloadEstimator.Accumulate(n)
			w.p.accumulate(int64(n))
		}
		rest, ew := w.store(w.buf)
		w.buf = w.buf[:copy(w.buf, rest)]
		if er != nil {
			if er == io.EOF {
				er = nil
			}
			return total, er
		}
		if ew != nil {
			return total, ew
		}
	}
	return total, nil
}

// Close gives up on whatever part of the region was not stored.
func (w *regionWriter) Close() error {
	if w.t == nil {
		return errClosedWriter
	}
	if w.count > 0 {
		w.t.post(TorDrop{w.index, w.offset, w.count})
		w.count = 0
	}
	w.t = nil
	return nil
}
