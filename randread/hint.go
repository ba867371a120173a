package randread

import (
	"github.com/jech/stread/download"
)

// availableForward returns the largest p such that [start, p) is
// written, as far as the disk manager can tell.
func availableForward(dm download.DiskManager, pieceSize, start, end int64) int64 {
	pieceStart := int(start / pieceSize)
	pieceStartOffset := start % pieceSize
	pieceEnd := int((end - 1) / pieceSize)
	pieceEndOffset := (end-1)%pieceSize + 1

	done := start
	for i := pieceStart; i <= pieceEnd; i++ {
		pstart := int64(0)
		if i == pieceStart {
			pstart = pieceStartOffset
		}
		pend := pieceSize
		if i == pieceEnd {
			pend = pieceEndOffset
		}
		st := dm.Piece(i)
		if st.Done {
			done = int64(i+1) * pieceSize
			continue
		}
		if st.Written == nil || st.BlockSize <= 0 {
			break
		}
		bs := int64(st.BlockSize)
		first := int(pstart / bs)
		last := int((pend - 1) / bs)
		n := st.Written.RunForward(first, last+1)
		if n > 0 {
			done = int64(i)*pieceSize + int64(first+n)*bs
		}
		if n < last-first+1 {
			break
		}
	}
	if done > end {
		done = end
	}
	return done
}

// availableBackward returns the smallest p such that [p, end) is
// written, as far as the disk manager can tell.
func availableBackward(dm download.DiskManager, pieceSize, start, end int64) int64 {
	pieceStart := int(start / pieceSize)
	pieceStartOffset := start % pieceSize
	pieceEnd := int((end - 1) / pieceSize)
	pieceEndOffset := (end-1)%pieceSize + 1

	done := end
	for i := pieceEnd; i >= pieceStart; i-- {
		pstart := int64(0)
		if i == pieceStart {
			pstart = pieceStartOffset
		}
		pend := pieceSize
		if i == pieceEnd {
			pend = pieceEndOffset
		}
		st := dm.Piece(i)
		if st.Done {
			done = int64(i) * pieceSize
			continue
		}
		if st.Written == nil || st.BlockSize <= 0 {
			break
		}
		bs := int64(st.BlockSize)
		first := int(pstart / bs)
		last := int((pend - 1) / bs)
		n := st.Written.RunBackward(last, first-1)
		if n > 0 {
			done = int64(i)*pieceSize + int64(last-n+1)*bs
		}
		if n < last-first+1 {
			break
		}
	}
	if done < start {
		done = start
	}
	return done
}

// hintFor returns the region to fetch first for the window
// [start, end): the part of the piece at the active edge that lies
// within the window.
func hintFor(pieceSize, start, end int64, reverse bool) download.Hint {
	pieceStart := int(start / pieceSize)
	pieceStartOffset := int(start % pieceSize)
	pieceEnd := int((end - 1) / pieceSize)
	pieceEndOffset := int((end-1)%pieceSize) + 1

	if pieceStart == pieceEnd {
		return download.Hint{
			Piece:  pieceStart,
			Offset: pieceStartOffset,
			Length: pieceEndOffset - pieceStartOffset,
		}
	}
	if reverse {
		return download.Hint{
			Piece:  pieceEnd,
			Offset: 0,
			Length: pieceEndOffset,
		}
	}
	return download.Hint{
		Piece:  pieceStart,
		Offset: pieceStartOffset,
		Length: int(pieceSize) - pieceStartOffset,
	}
}

// hinter tracks the hints set by a single request.
type hinter struct {
	prev, curr int
	hinted     bool
	last       download.Hint
}

func (h *hinter) set(pm download.PeerManager, hint download.Hint, reverse bool) {
	picker := pm.PiecePicker()
	picker.SetReverseBlockOrder(reverse)
	if h.curr == -1 {
		if existing, ok := picker.GlobalRequestHint(); ok {
			h.curr = existing.Piece
		}
	}
	picker.SetGlobalRequestHint(hint.Piece, hint.Offset, hint.Length)
	h.hinted = true
	h.last = hint
	if hint.Piece != h.curr {
		h.prev = h.curr
		h.curr = hint.Piece
	}
	if h.prev != -1 {
		clearHint(pm, h.prev)
	}
}

// reset clears the hint and the reverse flag if the picker still holds
// the last hint this request set.  Reservations on the hinted piece are
// dropped in any case.
func (h *hinter) reset(d download.Download) {
	if !h.hinted {
		return
	}
	pm := d.PeerManager()
	if pm == nil {
		return
	}
	picker := pm.PiecePicker()
	if cur, ok := picker.GlobalRequestHint(); ok && cur == h.last {
		picker.SetReverseBlockOrder(false)
		picker.SetGlobalRequestHint(download.NoHint.Piece,
			download.NoHint.Offset, download.NoHint.Length)
	}
	if h.curr != -1 {
		clearHint(pm, h.curr)
	}
}

// clearHint drops the reservations on a piece that was hinted, so that
// any peer may fetch it.
func clearHint(pm download.PeerManager, piece int) {
	if p := pm.Piece(piece); p != nil && p.ReservedBy() != nil {
		p.SetReservedBy(nil)
	}
	for _, peer := range pm.Peers() {
		for _, i := range peer.ReservedPieces() {
			if i == piece {
				peer.RemoveReservedPiece(piece)
			}
		}
	}
}
