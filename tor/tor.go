// Package tor implements the reference download of stread: an
// in-memory torrent whose pieces are filled out of order from a local
// source, steered by the hints and deadlines of its readers.
package tor

import (
	"context"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/jech/stread/alloc"
	"github.com/jech/stread/config"
	"github.com/jech/stread/download"
	"github.com/jech/stread/hash"
	"github.com/jech/stread/path"
	srate "github.com/jech/stread/rate"
	"github.com/jech/stread/tor/piece"
)

var ErrTorrentDead = errors.New("torrent is dead")

// DownloadEstimator measures the aggregate rate at which data is
// stored into torrents.
var DownloadEstimator srate.AtomicEstimator

func init() {
	DownloadEstimator.Init(10 * time.Second)
	DownloadEstimator.Start()
}

// numPeers is the number of simulated peers of a running torrent.
const numPeers = 4

// fetchInterval is the period at which a running torrent checks whether
// it should start fetching.
const fetchInterval = 50 * time.Millisecond

// Torrent represents an active torrent.
type Torrent struct {
	hash    hash.Hash
	Name    string
	Files   []Torfile
	Pieces  piece.Pieces
	Event   chan TorEvent
	Done    chan struct{}
	Deleted chan struct{}
	Log     log.Logger

	source     io.ReaderAt
	forceStart *download.ForceStart
	limiter    *rate.Limiter

	// owned by the event loop
	rand     *rand.Rand
	fetching bool
	overMark bool

	mu             sync.Mutex
	files          []*File
	state          download.State
	started        bool
	paused         bool
	forced         bool
	destroyed      bool
	err            error
	complete       *roaring.Bitmap
	peerManager    *peerManager
	nextListener   int
	stateListeners map[int]func(old, new download.State)
	peerListeners  map[int]download.PeerListener
}

// New creates a stopped torrent.  The offsets of files are computed from
// their lengths.  If source is not nil, the data of the torrent is
// fetched from it while the torrent is running.
func New(name string, pieceSize uint32, files []Torfile, source io.ReaderAt) (*Torrent, error) {
	if pieceSize == 0 || pieceSize%config.ChunkSize != 0 {
		return nil, errors.Errorf("bad piece size %v", pieceSize)
	}
	if len(files) == 0 {
		return nil, errors.New("torrent has no files")
	}
	t := &Torrent{
		Name:           name,
		Event:          make(chan TorEvent, 512),
		Done:           make(chan struct{}),
		Deleted:        make(chan struct{}),
		Log:            log.Default.WithNames("tor", name),
		source:         source,
		limiter:        rate.NewLimiter(fetchLimit(), fetchBurst),
		complete:       roaring.New(),
		stateListeners: make(map[int]func(old, new download.State)),
		peerListeners:  make(map[int]download.PeerListener),
	}

	var offset int64
	var names []string
	var lengths []int64
	for i, f := range files {
		if err := f.Path.Check(); err != nil {
			return nil, errors.Wrapf(err, "file %v", i)
		}
		if f.Length < 0 {
			return nil, errors.Errorf("negative length for %v", f.Path)
		}
		for _, g := range t.Files {
			if g.Path.Equal(f.Path) || g.Path.Within(f.Path) ||
				f.Path.Within(g.Path) {
				return nil, errors.Errorf("%v clashes with %v",
					f.Path, g.Path)
			}
		}
		f.Offset = offset
		offset += f.Length
		t.Files = append(t.Files, f)
		t.files = append(t.files, &File{t: t, index: i, Torfile: f})
		names = append(names, f.Path.String())
		lengths = append(lengths, f.Length)
	}
	if offset <= 0 {
		return nil, errors.New("empty torrent")
	}
	t.Pieces.Init(pieceSize, offset)
	t.hash = hash.Derive(name, int64(pieceSize), names, lengths)
	t.forceStart = download.NewForceStart(t)
	return t, nil
}

// NewFromFile creates a single-file torrent that is fetched from a local
// file.  The caller closes the file after the torrent is dead.
func NewFromFile(f *os.File, pieceSize uint32) (*Torrent, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	name := fi.Name()
	return New(name, pieceSize,
		[]Torfile{{Path: path.Parse(name), Length: fi.Size()}}, f)
}

// AddTorrent starts a new torrent's event loop.
func AddTorrent(ctx context.Context, t *Torrent) (*Torrent, error) {
	added := add(t)
	if !added {
		close(t.Done)
		close(t.Deleted)
		return nil, os.ErrExist
	}
	go func(ctx context.Context, t *Torrent) {
		defer func(t *Torrent) {
			del(t)
			close(t.Deleted)
		}(t)
		t.run(ctx)
	}(ctx, t)
	return t, nil
}

// run is the main loop of a torrent.
func (t *Torrent) run(ctx context.Context) {
	defer func() {
		close(t.Done)
		t.Pieces.Del()
	}()

	t.rand = rand.New(rand.NewSource(rand.Int63()))
	ticker := time.NewTicker(fetchInterval)
	ctx, cancelCtx := context.WithCancel(ctx)
	defer func() {
		cancelCtx()
		ticker.Stop()
	}()

	for {
		select {
		case e := <-t.Event:
			err := handleEvent(ctx, t, e)
			if err != nil {
				if err != io.EOF {
					t.Log.Levelf(log.Error, "handleEvent: %v", err)
				}
				return
			}
		case <-ticker.C:
			maybeFetch(ctx, t)
		case <-ctx.Done():
			t.destroy()
			return
		}
	}
}

func handleEvent(ctx context.Context, t *Torrent, c TorEvent) error {
	switch c := c.(type) {
	case TorUpdate:
		t.update()
		maybeFetch(ctx, t)
	case TorData:
		if c.Complete {
			t.pieceComplete(c.Index)
			t.update()
		}
	case TorDrop:
		t.Log.Levelf(log.Debug, "dropped %v bytes at %v+%v",
			c.Length, c.Index, c.Begin)
	case TorFetched:
		t.fetching = false
		maybeFetch(ctx, t)
	case TorGetStats:
		t.mu.Lock()
		stats := &TorStats{
			Length:    t.Pieces.Length(),
			PieceSize: t.Pieces.PieceSize(),
			NumPieces: t.Pieces.Num(),
			Complete:  int(t.complete.GetCardinality()),
			Memory:    t.Pieces.Bytes(),
			State:     t.state,
			Fetching:  t.fetching,
		}
		if t.peerManager != nil {
			stats.NumPeers = len(t.peerManager.peers)
		}
		t.mu.Unlock()
		c.Ch <- stats
		close(c.Ch)
	case TorGoAway:
		t.destroy()
		return io.EOF
	default:
		t.Log.Levelf(log.Error, "unknown event %#v", c)
		panic("unknown event")
	}
	return nil
}

// post sends an event to the event loop.
func (t *Torrent) post(e TorEvent) error {
	select {
	case <-t.Done:
		return ErrTorrentDead
	default:
	}
	select {
	case t.Event <- e:
		return nil
	case <-t.Done:
		return ErrTorrentDead
	}
}

// computeState is called locked.
func (t *Torrent) computeState() download.State {
	if t.err != nil {
		return download.StateError
	}
	if !(t.started || t.forced) || t.paused || t.destroyed {
		return download.StateStopped
	}
	if int(t.complete.GetCardinality()) >= t.Pieces.Num() {
		return download.StateSeeding
	}
	return download.StateDownloading
}

// update recomputes the state of the torrent, creating or dropping the
// peer manager and notifying listeners.  Called by the event loop.
func (t *Torrent) update() {
	t.mu.Lock()
	old := t.state
	s := t.computeState()
	t.state = s
	var added, removed *peerManager
	if s.Running() && t.peerManager == nil {
		t.peerManager = newPeerManager(numPeers)
		added = t.peerManager
	} else if !s.Running() && t.peerManager != nil {
		removed = t.peerManager
		t.peerManager = nil
	}
	pls := make([]download.PeerListener, 0, len(t.peerListeners))
	for _, l := range t.peerListeners {
		pls = append(pls, l)
	}
	var sls []func(old, new download.State)
	if old != s {
		for _, l := range t.stateListeners {
			sls = append(sls, l)
		}
	}
	t.mu.Unlock()

	if old != s {
		t.Log.Levelf(log.Debug, "%v -> %v", old, s)
	}
	for _, l := range pls {
		if removed != nil {
			l.PeerManagerRemoved(removed)
		}
		if added != nil {
			l.PeerManagerAdded(added)
		}
	}
	for _, l := range sls {
		l(old, s)
	}
}

// pieceComplete records a complete piece and notifies the files that
// overlap it.  Called by the event loop.
func (t *Torrent) pieceComplete(index uint32) {
	ps := int64(t.Pieces.PieceSize())
	type notification struct {
		offset, length int64
		listeners      []func(offset, length int64)
	}
	var ns []notification

	t.mu.Lock()
	if t.complete.CheckedAdd(index) {
		for _, f := range t.files {
			o, l, ok := f.clip(int64(index)*ps, ps)
			if !ok {
				continue
			}
			ns = append(ns, notification{o, l, f.writeListeners()})
		}
	}
	pm := t.peerManager
	t.mu.Unlock()

	if pm != nil {
		pm.done(int(index))
	}
	for _, n := range ns {
		for _, l := range n.listeners {
			l(n.offset, n.length)
		}
	}
}

// destroy marks the torrent as destroyed.  Called by the event loop.
func (t *Torrent) destroy() {
	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
	t.update()
}

// pieceWanted returns true if piece i overlaps a file that is not
// skipped.
func (t *Torrent) pieceWanted(i int) bool {
	ps := int64(t.Pieces.PieceSize())
	for _, f := range t.files {
		if _, _, ok := f.clip(int64(i)*ps, ps); ok && !f.Skipped() {
			return true
		}
	}
	return false
}

func (t *Torrent) peers() *peerManager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerManager
}

func (t *Torrent) setFlag(f func()) error {
	t.mu.Lock()
	f()
	t.mu.Unlock()
	return t.post(TorUpdate{})
}

// Start marks the torrent as started.
func (t *Torrent) Start() error {
	return t.setFlag(func() { t.started = true })
}

// Stop marks the torrent as stopped.  It keeps running if it is
// force-started.
func (t *Torrent) Stop() error {
	return t.setFlag(func() { t.started = false })
}

func (t *Torrent) Pause(paused bool) error {
	return t.setFlag(func() { t.paused = paused })
}

// Fail puts the torrent in the error state, or leaves it if err is nil.
func (t *Torrent) Fail(err error) error {
	return t.setFlag(func() { t.err = err })
}

// Err returns the error that caused the torrent to fail.
func (t *Torrent) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Kill terminates the torrent's event loop.
func (t *Torrent) Kill(ctx context.Context) error {
	select {
	case <-t.Done:
		return ErrTorrentDead
	default:
	}
	select {
	case <-t.Done:
		return ErrTorrentDead
	case <-ctx.Done():
		return ctx.Err()
	case t.Event <- TorGoAway{}:
		select {
		case <-t.Deleted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetStats returns statistics about a torrent.
func (t *Torrent) GetStats() (*TorStats, error) {
	ch := make(chan *TorStats)
	select {
	case t.Event <- TorGetStats{ch}:
		select {
		case v := <-ch:
			return v, nil
		case <-t.Done:
			return nil, ErrTorrentDead
		}
	case <-t.Done:
		return nil, ErrTorrentDead
	}
}

// Write stores data at a chunk-aligned offset of the torrent.  Only
// whole chunks are stored, except at the end of the torrent.
func (t *Torrent) Write(offset int64, data []byte) error {
	ps := int64(t.Pieces.PieceSize())
	for len(data) > 0 {
		if offset < 0 || offset >= t.Pieces.Length() {
			return errors.Errorf("write at %v beyond end of torrent",
				offset)
		}
		index := uint32(offset / ps)
		begin := uint32(offset % ps)
		n := ps - int64(begin)
		if n > int64(len(data)) {
			n = int64(len(data))
		}
		count, complete, err := t.Pieces.AddData(index, begin, data[:n])
		if count > 0 {
			DownloadEstimator.Accumulate(int(count))
			err2 := t.post(TorData{index, begin, count, complete})
			if err == nil {
				err = err2
			}
		}
		if err != nil {
			return err
		}
		if int64(count) < n && !t.Pieces.PieceComplete(index) {
			return errors.Errorf("partial chunk at %v",
				offset+int64(count))
		}
		offset += n
		data = data[n:]
	}
	return nil
}

// Memory returns the amount of memory used by all pieces.
func Memory() int64 {
	return alloc.Bytes()
}

// Download interface

func (t *Torrent) Hash() hash.Hash {
	return t.hash
}

func (t *Torrent) File(i int) *File {
	return t.files[i]
}

func (t *Torrent) NumFiles() int {
	return len(t.files)
}

// FileByName returns the file with the given path, or nil.
func (t *Torrent) FileByName(p path.Path) *File {
	for _, f := range t.files {
		if f.Path.Equal(p) {
			return f
		}
	}
	return nil
}

func (t *Torrent) State() download.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Torrent) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *Torrent) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *Torrent) ForceStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forced
}

func (t *Torrent) SetForceStart(forced bool) {
	err := t.setFlag(func() { t.forced = forced })
	if err != nil {
		t.Log.Levelf(log.Debug, "SetForceStart: %v", err)
	}
}

func (t *Torrent) ForceStart() *download.ForceStart {
	return t.forceStart
}

func (t *Torrent) AddStateListener(f func(old, new download.State)) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.stateListeners[id] = f
	return func() {
		t.mu.Lock()
		delete(t.stateListeners, id)
		t.mu.Unlock()
	}
}

// AddPeerListener registers l, and tells it about the current peer
// manager if any.
func (t *Torrent) AddPeerListener(l download.PeerListener) (remove func()) {
	t.mu.Lock()
	id := t.nextListener
	t.nextListener++
	t.peerListeners[id] = l
	pm := t.peerManager
	t.mu.Unlock()
	if pm != nil {
		l.PeerManagerAdded(pm)
	}
	return func() {
		t.mu.Lock()
		delete(t.peerListeners, id)
		t.mu.Unlock()
	}
}

func (t *Torrent) PeerManager() download.PeerManager {
	pm := t.peers()
	if pm == nil {
		return nil
	}
	return pm
}

// Picker returns the piece picker of a running torrent, or nil.
func (t *Torrent) Picker() *Picker {
	pm := t.peers()
	if pm == nil {
		return nil
	}
	return pm.picker
}

// Peers returns the simulated peers of a running torrent.
func (t *Torrent) Peers() []*Peer {
	pm := t.peers()
	if pm == nil {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]*Peer(nil), pm.peers...)
}

func (t *Torrent) DiskManager() download.DiskManager {
	if !t.State().Running() {
		return nil
	}
	return diskManager{t}
}

func (t *Torrent) PieceSize() int64 {
	return int64(t.Pieces.PieceSize())
}

func (t *Torrent) NumPieces() int {
	return t.Pieces.Num()
}

type diskManager struct {
	t *Torrent
}

func (dm diskManager) NumPieces() int {
	return dm.t.Pieces.Num()
}

func (dm diskManager) Piece(i int) download.PieceState {
	_, bitmap := dm.t.Pieces.PieceBitmap(uint32(i))
	return download.PieceState{
		Done:      dm.t.Pieces.PieceComplete(uint32(i)),
		Written:   bitmap,
		BlockSize: int(config.ChunkSize),
	}
}
