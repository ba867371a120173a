// Package downloadtest provides an in-memory download whose state and
// data are driven by the test.
package downloadtest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/jech/stread/bitmap"
	"github.com/jech/stread/config"
	"github.com/jech/stread/download"
	"github.com/jech/stread/hash"
	"github.com/jech/stread/mono"
	"github.com/jech/stread/written"
)

// Byte returns the content of the download at offset.
func Byte(offset int64) byte {
	return byte((offset*7 + offset/251) % 251)
}

// Content returns the content of the download in [offset, offset+length).
func Content(offset, length int64) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = Byte(offset + int64(i))
	}
	return b
}

type Download struct {
	hash       hash.Hash
	pieceSize  int64
	length     int64
	blockSize  int
	forceStart *download.ForceStart

	// StartOnForce makes SetForceStart(true) move a stopped download
	// to the downloading state.
	StartOnForce bool

	mu             sync.Mutex
	state          download.State
	paused         bool
	destroyed      bool
	forced         bool
	forceCalls     int
	nextListener   int
	stateListeners map[int]func(old, new download.State)
	peerListeners  map[int]download.PeerListener
	peerManager    *PeerManager
	files          []*File
	written        *written.Tracker
	blocks         *written.Tracker
	pieces         []bitmap.Bitmap
}

// NewDownload creates a stopped download with one file per length.
func NewDownload(pieceSize int64, lengths ...int64) *Download {
	d := &Download{
		pieceSize:      pieceSize,
		blockSize:      int(config.ChunkSize),
		stateListeners: make(map[int]func(old, new download.State)),
		peerListeners:  make(map[int]download.PeerListener),
		written:        written.New(),
		blocks:         written.New(),
	}
	var names []string
	var offset int64
	for i, l := range lengths {
		f := &File{
			download: d,
			index:    i,
			name:     "file" + string(rune('a'+i)),
			offset:   offset,
			length:   l,
		}
		d.files = append(d.files, f)
		names = append(names, f.name)
		offset += l
	}
	d.length = offset
	d.pieces = make([]bitmap.Bitmap, d.NumPieces())
	d.hash = hash.Derive("test", pieceSize, names, lengths)
	d.forceStart = download.NewForceStart(d)
	return d
}

// SetBlockSize sets the granularity of the written bitmaps.  It must be
// called before any data is written.
func (d *Download) SetBlockSize(size int) {
	d.mu.Lock()
	d.blockSize = size
	d.mu.Unlock()
}

func (d *Download) File(i int) *File {
	return d.files[i]
}

func (d *Download) Length() int64 {
	return d.length
}

func (d *Download) Hash() hash.Hash {
	return d.hash
}

func (d *Download) State() download.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Download) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *Download) SetPaused(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
}

func (d *Download) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Download) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()
	d.SetState(download.StateStopped)
}

func (d *Download) ForceStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forced
}

func (d *Download) SetForceStart(v bool) {
	d.mu.Lock()
	d.forced = v
	d.forceCalls++
	start := v && d.StartOnForce && !d.state.Running()
	d.mu.Unlock()
	if start {
		d.SetState(download.StateDownloading)
	}
}

// ForceStartCalls returns the number of calls to SetForceStart.
func (d *Download) ForceStartCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forceCalls
}

func (d *Download) ForceStart() *download.ForceStart {
	return d.forceStart
}

func (d *Download) PieceSize() int64 {
	return d.pieceSize
}

func (d *Download) NumPieces() int {
	return int((d.length + d.pieceSize - 1) / d.pieceSize)
}

func (d *Download) AddStateListener(f func(old, new download.State)) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.stateListeners[id] = f
	return func() {
		d.mu.Lock()
		delete(d.stateListeners, id)
		d.mu.Unlock()
	}
}

// StateListeners returns the number of registered state listeners.
func (d *Download) StateListeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stateListeners)
}

// AddPeerListener registers l, and tells it about the current peer
// manager if any.
func (d *Download) AddPeerListener(l download.PeerListener) (remove func()) {
	d.mu.Lock()
	id := d.nextListener
	d.nextListener++
	d.peerListeners[id] = l
	pm := d.peerManager
	d.mu.Unlock()
	if pm != nil {
		l.PeerManagerAdded(pm)
	}
	return func() {
		d.mu.Lock()
		delete(d.peerListeners, id)
		d.mu.Unlock()
	}
}

// SetState changes the state of the download.  The peer manager exists
// exactly when the download is running.
func (d *Download) SetState(s download.State) {
	d.mu.Lock()
	old := d.state
	d.state = s
	var added, removed *PeerManager
	if s.Running() && d.peerManager == nil {
		d.peerManager = newPeerManager()
		added = d.peerManager
	} else if !s.Running() && d.peerManager != nil {
		removed = d.peerManager
		d.peerManager = nil
	}
	var pls []download.PeerListener
	for _, l := range d.peerListeners {
		pls = append(pls, l)
	}
	var sls []func(old, new download.State)
	for _, l := range d.stateListeners {
		sls = append(sls, l)
	}
	d.mu.Unlock()

	for _, l := range pls {
		if removed != nil {
			l.PeerManagerRemoved(removed)
		}
		if added != nil {
			l.PeerManagerAdded(added)
		}
	}
	if old != s {
		for _, l := range sls {
			l(old, s)
		}
	}
}

func (d *Download) PeerManager() download.PeerManager {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peerManager == nil {
		return nil
	}
	return d.peerManager
}

// Peers returns the concrete peer manager, or nil.
func (d *Download) Peers() *PeerManager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerManager
}

func (d *Download) DiskManager() download.DiskManager {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Running() {
		return nil
	}
	return diskManager{d}
}

func (d *Download) clip(offset, length int64) (int64, int64) {
	if offset < 0 {
		length += offset
		offset = 0
	}
	if offset+length > d.length {
		length = d.length - offset
	}
	return offset, length
}

// WriteBlocks marks the blocks entirely within [offset, offset+length)
// as written in the piece bitmaps, without notifying the files.
func (d *Download) WriteBlocks(offset, length int64) {
	offset, length = d.clip(offset, length)
	if length <= 0 {
		return
	}
	d.blocks.Add(offset, length)

	d.mu.Lock()
	defer d.mu.Unlock()
	bs := int64(d.blockSize)
	for p := offset / d.pieceSize; p*d.pieceSize < offset+length; p++ {
		start := p * d.pieceSize
		end := start + d.pieceSize
		if end > d.length {
			end = d.length
		}
		for b := start; b < end; b += bs {
			bl := bs
			if b+bl > end {
				bl = end - b
			}
			if b+bl <= offset || b >= offset+length {
				continue
			}
			if d.blocks.Contiguous(b) >= bl {
				d.pieces[p].Set(int((b - start) / bs))
			}
		}
	}
}

// Write marks [offset, offset+length) of the download as written, and
// notifies the files it overlaps.
func (d *Download) Write(offset, length int64) {
	offset, length = d.clip(offset, length)
	if length <= 0 {
		return
	}
	d.WriteBlocks(offset, length)
	d.written.Add(offset, length)

	d.mu.Lock()
	files := d.files
	d.mu.Unlock()
	for _, f := range files {
		f.written(offset, length)
	}
}

// WriteAll marks the whole download as written.
func (d *Download) WriteAll() {
	d.Write(0, d.length)
}

type diskManager struct {
	d *Download
}

func (dm diskManager) NumPieces() int {
	return dm.d.NumPieces()
}

func (dm diskManager) Piece(i int) download.PieceState {
	d := dm.d
	d.mu.Lock()
	defer d.mu.Unlock()
	size := d.pieceSize
	if int64(i+1)*d.pieceSize > d.length {
		size = d.length - int64(i)*d.pieceSize
	}
	blocks := int((size + int64(d.blockSize) - 1) / int64(d.blockSize))
	return download.PieceState{
		Done:      d.pieces[i].All(blocks),
		Written:   d.pieces[i].Copy(),
		BlockSize: d.blockSize,
	}
}

type File struct {
	download *Download
	index    int
	name     string
	offset   int64
	length   int64

	mu           sync.Mutex
	skipped      bool
	closed       bool
	readError    error
	nextListener int
	listeners    map[int]func(offset, length int64)
}

func (f *File) Download() download.Download {
	return f.download
}

func (f *File) Index() int {
	return f.index
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Offset() int64 {
	return f.offset
}

func (f *File) Length() int64 {
	return f.length
}

func (f *File) Downloaded() int64 {
	var n int64
	for _, r := range f.download.written.Ranges() {
		start, end := r.Offset, r.End()
		if start < f.offset {
			start = f.offset
		}
		if end > f.offset+f.length {
			end = f.offset + f.length
		}
		if end > start {
			n += end - start
		}
	}
	return n
}

func (f *File) Skipped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

func (f *File) SetSkipped(skipped bool) {
	f.mu.Lock()
	f.skipped = skipped
	f.mu.Unlock()
}

// SetReadError makes subsequent reads fail with err.
func (f *File) SetReadError(err error) {
	f.mu.Lock()
	f.readError = err
	f.mu.Unlock()
}

func (f *File) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	err := f.readError
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if off < 0 || off > f.length {
		return 0, errors.Errorf("read at %v beyond end of file", off)
	}
	n := len(p)
	if off+int64(n) > f.length {
		n = int(f.length - off)
	}
	copy(p, Content(f.offset+off, int64(n)))
	if n < len(p) {
		return n, errors.New("short read")
	}
	return n, nil
}

// AddWriteListener registers l, and replays the ranges already written.
func (f *File) AddWriteListener(l func(offset, length int64)) (remove func()) {
	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = make(map[int]func(offset, length int64))
	}
	id := f.nextListener
	f.nextListener++
	f.listeners[id] = l
	f.mu.Unlock()

	for _, r := range f.download.written.Ranges() {
		if o, l2, ok := f.clip(r.Offset, r.Length); ok {
			l(o, l2)
		}
	}
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// WriteListeners returns the number of registered write listeners.
func (f *File) WriteListeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *File) clip(offset, length int64) (int64, int64, bool) {
	start, end := offset, offset+length
	if start < f.offset {
		start = f.offset
	}
	if end > f.offset+f.length {
		end = f.offset + f.length
	}
	if end <= start {
		return 0, 0, false
	}
	return start - f.offset, end - start, true
}

func (f *File) written(offset, length int64) {
	o, l, ok := f.clip(offset, length)
	if !ok {
		return
	}
	f.mu.Lock()
	var ls []func(offset, length int64)
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, w := range ls {
		w(o, l)
	}
}

func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type PeerManager struct {
	picker *Picker

	mu     sync.Mutex
	active map[int]*ActivePiece
	peers  []*Peer
}

func newPeerManager() *PeerManager {
	return &PeerManager{
		picker: &Picker{},
		active: make(map[int]*ActivePiece),
	}
}

func (pm *PeerManager) PiecePicker() download.PiecePicker {
	return pm.picker
}

// Picker returns the concrete picker.
func (pm *PeerManager) Picker() *Picker {
	return pm.picker
}

func (pm *PeerManager) Piece(i int) download.ActivePiece {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p := pm.active[i]
	if p == nil {
		return nil
	}
	return p
}

// Activate makes piece i active, reserved by peer.
func (pm *PeerManager) Activate(i int, peer *Peer) *ActivePiece {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p := &ActivePiece{}
	if peer != nil {
		p.reservedBy = peer
		peer.Reserve(i)
	}
	pm.active[i] = p
	return p
}

func (pm *PeerManager) Peers() []download.Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ps := make([]download.Peer, len(pm.peers))
	for i, p := range pm.peers {
		ps[i] = p
	}
	return ps
}

func (pm *PeerManager) AddPeer() *Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p := &Peer{}
	pm.peers = append(pm.peers, p)
	return p
}

type ActivePiece struct {
	mu         sync.Mutex
	reservedBy download.Peer
}

func (p *ActivePiece) ReservedBy() download.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservedBy
}

func (p *ActivePiece) SetReservedBy(peer download.Peer) {
	p.mu.Lock()
	p.reservedBy = peer
	p.mu.Unlock()
}

type Peer struct {
	mu       sync.Mutex
	reserved []int
}

func (p *Peer) Reserve(i int) {
	p.mu.Lock()
	p.reserved = append(p.reserved, i)
	p.mu.Unlock()
}

func (p *Peer) ReservedPieces() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.reserved...)
}

func (p *Peer) RemoveReservedPiece(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for j, r := range p.reserved {
		if r == i {
			p.reserved = append(p.reserved[:j], p.reserved[j+1:]...)
			return
		}
	}
}

// Picker records the hints it is given.
type Picker struct {
	mu        sync.Mutex
	hint      download.Hint
	hasHint   bool
	reverse   bool
	hints     []download.Hint
	providers []download.RTAProvider
}

func (p *Picker) SetGlobalRequestHint(piece, offset, length int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hint = download.Hint{Piece: piece, Offset: offset, Length: length}
	p.hasHint = piece >= 0
	p.hints = append(p.hints, p.hint)
}

func (p *Picker) GlobalRequestHint() (download.Hint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hint, p.hasHint
}

// Hints returns every hint set so far, including cleared ones.
func (p *Picker) Hints() []download.Hint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]download.Hint(nil), p.hints...)
}

func (p *Picker) SetReverseBlockOrder(reverse bool) {
	p.mu.Lock()
	p.reverse = reverse
	p.mu.Unlock()
}

func (p *Picker) ReverseBlockOrder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reverse
}

func (p *Picker) AddRTAProvider(r download.RTAProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers = append(p.providers, r)
}

func (p *Picker) RemoveRTAProvider(r download.RTAProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.providers {
		if q == r {
			p.providers = append(p.providers[:i], p.providers[i+1:]...)
			return
		}
	}
}

func (p *Picker) Providers() []download.RTAProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]download.RTAProvider(nil), p.providers...)
}

// RTAs queries every provider.
func (p *Picker) RTAs() [][]mono.Time {
	var rtas [][]mono.Time
	for _, r := range p.Providers() {
		rtas = append(rtas, r.UpdateRTAs(p))
	}
	return rtas
}
