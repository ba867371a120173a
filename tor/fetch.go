package tor

import (
	"context"
	"io"
	"math"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/jech/stread/alloc"
	"github.com/jech/stread/config"
)

// maxFetch is the largest region fetched at once.
const maxFetch = 4 * config.ChunkSize

// fetchBurst is the burst size of the fetch rate limiter.
const fetchBurst = 64 * 1024

func fetchLimit() rate.Limit {
	r := config.FetchRate()
	if r <= 0 {
		return rate.Inf
	}
	return rate.Limit(r)
}

// region is a range of chunks within a piece.
type region struct {
	index  uint32
	begin  uint32
	length uint32
}

// pick chooses the next region to fetch: the hinted region first, then
// the piece with the earliest deadline, then the lowest piece that is
// wanted.  Called by the event loop.
func pick(t *Torrent, pm *peerManager) (region, bool) {
	num := t.Pieces.Num()

	if h, ok := pm.picker.GlobalRequestHint(); ok && h.Piece < num {
		index := uint32(h.Piece)
		pl := t.Pieces.PieceLength(index)
		start := uint32(h.Offset) / config.ChunkSize * config.ChunkSize
		end := uint32(h.Offset + h.Length)
		if end > pl {
			end = pl
		}
		if pm.picker.ReverseBlockOrder() {
			o, l := t.Pieces.LastHole(index, end)
			if o != ^uint32(0) && o+l > start {
				return region{index, o, l}, true
			}
		} else {
			o, l := t.Pieces.Hole(index, start)
			if o != ^uint32(0) && o < end {
				return region{index, o, clip(l)}, true
			}
		}
	}

	rtas := pm.picker.RTAs(num)
	best := -1
	for i, d := range rtas {
		if d == 0 || t.Pieces.PieceComplete(uint32(i)) {
			continue
		}
		if best < 0 || d.Before(rtas[best]) {
			best = i
		}
	}
	if best >= 0 {
		o, l := t.Pieces.Hole(uint32(best), 0)
		if o != ^uint32(0) {
			return region{uint32(best), o, clip(l)}, true
		}
	}

	for i := 0; i < num; i++ {
		index := uint32(i)
		if t.Pieces.PieceComplete(index) || !t.pieceWanted(i) {
			continue
		}
		o, l := t.Pieces.Hole(index, 0)
		if o != ^uint32(0) {
			return region{index, o, clip(l)}, true
		}
	}
	return region{}, false
}

func clip(l uint32) uint32 {
	if l > maxFetch {
		return maxFetch
	}
	return l
}

// maybeFetch starts fetching a region if the torrent is running and no
// fetch is in progress.  Called by the event loop.
func maybeFetch(ctx context.Context, t *Torrent) {
	if t.fetching || t.source == nil {
		return
	}
	pm := t.peers()
	if pm == nil {
		return
	}
	if alloc.Over(config.MemoryMark()) {
		if !t.overMark {
			t.Log.Levelf(log.Warning,
				"memory mark reached, not fetching")
			t.overMark = true
		}
		return
	}
	t.overMark = false

	r, ok := pick(t, pm)
	if !ok {
		return
	}
	p := pm.reserve(int(r.index), t.rand)
	if p == nil {
		return
	}
	t.limiter.SetLimit(fetchLimit())
	t.fetching = true
	go fetch(ctx, t, p, r)
}

// fetch copies a region from the torrent's source, at the rate allowed
// by the limiter.
func fetch(ctx context.Context, t *Torrent, p *Peer, r region) {
	w := newRegionWriter(t, p, r)
	offset := int64(r.index)*int64(t.Pieces.PieceSize()) + int64(r.begin)
	n, err := w.ReadFrom(&throttledReader{
		ctx:     ctx,
		limiter: t.limiter,
		r:       io.NewSectionReader(t.source, offset, int64(r.length)),
	})
	w.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Log.Levelf(log.Warning, "fetch %v+%v: %v",
			r.index, r.begin, err)
	}
	t.post(TorFetched{p, r.index, n})
}

type throttledReader struct {
	ctx     context.Context
	limiter *rate.Limiter
	r       io.Reader
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if r.limiter.Limit() != rate.Inf {
		max := r.limiter.Burst()
		if max <= 0 {
			max = math.MaxInt32
		}
		if len(p) > max {
			p = p[:max]
		}
	}
	n, err := r.r.Read(p)
	if n > 0 {
		e := r.limiter.WaitN(r.ctx, n)
		if e != nil {
			return n, e
		}
	}
	return n, err
}
