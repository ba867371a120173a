package tor

import (
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/jech/stread/download"
)

// Peer is a simulated peer.  It reserves the pieces that it is
// fetching.
type Peer struct {
	Id int

	mu       sync.Mutex
	reserved *roaring.Bitmap
	fetched  int64
}

func newPeer(id int) *Peer {
	return &Peer{Id: id, reserved: roaring.New()}
}

func (p *Peer) reserve(i int) {
	p.mu.Lock()
	p.reserved.Add(uint32(i))
	p.mu.Unlock()
}

func (p *Peer) ReservedPieces() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.reserved.ToArray()
	if len(a) == 0 {
		return nil
	}
	v := make([]int, len(a))
	for i, x := range a {
		v[i] = int(x)
	}
	return v
}

func (p *Peer) RemoveReservedPiece(i int) {
	p.mu.Lock()
	p.reserved.Remove(uint32(i))
	p.mu.Unlock()
}

func (p *Peer) numReserved() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved.GetCardinality()
}

// Fetched returns the number of bytes fetched by p.
func (p *Peer) Fetched() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetched
}

func (p *Peer) accumulate(n int64) {
	p.mu.Lock()
	p.fetched += n
	p.mu.Unlock()
}

// activePiece is a piece that is being fetched.
type activePiece struct {
	mu   sync.Mutex
	peer download.Peer
}

func (a *activePiece) ReservedBy() download.Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peer
}

func (a *activePiece) SetReservedBy(p download.Peer) {
	a.mu.Lock()
	a.peer = p
	a.mu.Unlock()
}

// peerManager exists while a torrent is running.
type peerManager struct {
	picker *Picker

	mu     sync.Mutex
	peers  []*Peer
	active map[int]*activePiece
}

func newPeerManager(npeers int) *peerManager {
	pm := &peerManager{
		picker: &Picker{},
		active: make(map[int]*activePiece),
	}
	for i := 0; i < npeers; i++ {
		pm.peers = append(pm.peers, newPeer(i))
	}
	return pm
}

func (pm *peerManager) PiecePicker() download.PiecePicker {
	return pm.picker
}

func (pm *peerManager) Piece(i int) download.ActivePiece {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	a := pm.active[i]
	if a == nil {
		return nil
	}
	return a
}

func (pm *peerManager) Peers() []download.Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ps := make([]download.Peer, len(pm.peers))
	for i, p := range pm.peers {
		ps[i] = p
	}
	return ps
}

// reserve makes piece i active and returns the peer that fetches it.
// A piece keeps its peer until its reservation is cleared; otherwise the
// least loaded peer is chosen, ties being broken at random.
func (pm *peerManager) reserve(i int, r *rand.Rand) *Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	a := pm.active[i]
	if a == nil {
		a = &activePiece{}
		pm.active[i] = a
	}
	if p, ok := a.ReservedBy().(*Peer); ok && p != nil {
		return p
	}
	if len(pm.peers) == 0 {
		return nil
	}
	var best *Peer
	var bestCount uint64
	for _, n := range r.Perm(len(pm.peers)) {
		p := pm.peers[n]
		c := p.numReserved()
		if best == nil || c < bestCount {
			best = p
			bestCount = c
		}
	}
	best.reserve(i)
	a.SetReservedBy(best)
	return best
}

// done is called when piece i is complete.
func (pm *peerManager) done(i int) {
	pm.mu.Lock()
	a := pm.active[i]
	delete(pm.active, i)
	peers := pm.peers
	pm.mu.Unlock()

	if a != nil {
		a.SetReservedBy(nil)
	}
	for _, p := range peers {
		p.RemoveReservedPiece(i)
	}
}

func (pm *peerManager) numActive() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.active)
}
