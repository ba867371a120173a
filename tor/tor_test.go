package tor

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/jech/stread/config"
	"github.com/jech/stread/download"
	"github.com/jech/stread/download/downloadtest"
	"github.com/jech/stread/mono"
	"github.com/jech/stread/path"
)

const testPieceSize = 32 * 1024

// recordingReader records the offset of every read.
type recordingReader struct {
	r       io.ReaderAt
	mu      sync.Mutex
	offsets []int64
}

func (r *recordingReader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	r.offsets = append(r.offsets, off)
	r.mu.Unlock()
	return r.r.ReadAt(p, off)
}

func (r *recordingReader) get() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.offsets...)
}

func newSource(length int64) *recordingReader {
	return &recordingReader{
		r: bytes.NewReader(downloadtest.Content(0, length)),
	}
}

func unlimited(t *testing.T) {
	rate := config.FetchRate()
	config.SetFetchRate(0)
	t.Cleanup(func() { config.SetFetchRate(rate) })
}

func newTorrent(t *testing.T, source io.ReaderAt, lengths ...int64) *Torrent {
	var files []Torfile
	for i, l := range lengths {
		files = append(files, Torfile{
			Path:   path.Parse(string(rune('a'+i)) + ".dat"),
			Length: l,
		})
	}
	tor, err := New(t.Name(), testPieceSize, files, source)
	require.NoError(t, err)
	_, err = AddTorrent(context.Background(), tor)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		tor.Kill(ctx)
	})
	return tor
}

func waitState(t *testing.T, tor *Torrent, s download.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tor.State() == s
	}, 5*time.Second, 5*time.Millisecond, "state %v", s)
}

type addedListener func(download.PeerManager)

func (l addedListener) PeerManagerAdded(pm download.PeerManager) {
	l(pm)
}

func (l addedListener) PeerManagerRemoved(pm download.PeerManager) {}

func TestNew(t *testing.T) {
	_, err := New("bad", 1000, []Torfile{{Length: 10}}, nil)
	require.Error(t, err)
	_, err = New("none", testPieceSize, nil, nil)
	require.Error(t, err)
	_, err = New("empty", testPieceSize, []Torfile{{Length: 0}}, nil)
	require.Error(t, err)
	_, err = New("empty", testPieceSize,
		[]Torfile{{Path: path.Parse("a"), Length: 0}}, nil)
	require.Error(t, err)
	_, err = New("escape", testPieceSize,
		[]Torfile{{Path: path.Path{"..", "a"}, Length: 10}}, nil)
	require.ErrorIs(t, err, path.ErrInvalid)
	_, err = New("clash", testPieceSize, []Torfile{
		{Path: path.Parse("a"), Length: 10},
		{Path: path.Parse("a/b"), Length: 10},
	}, nil)
	require.Error(t, err)

	files := []Torfile{
		{Path: path.Parse("a"), Length: 20000},
		{Path: path.Parse("b"), Length: 0},
		{Path: path.Parse("c"), Length: 50000},
	}
	tor, err := New("new", testPieceSize, files, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), tor.File(0).Offset())
	require.Equal(t, int64(20000), tor.File(1).Offset())
	require.Equal(t, int64(20000), tor.File(2).Offset())
	require.Equal(t, 3, tor.NumPieces())
	require.Equal(t, int64(testPieceSize), tor.PieceSize())
	require.Equal(t, download.StateStopped, tor.State())
	require.Nil(t, tor.DiskManager())
	require.Nil(t, tor.PeerManager())
	require.Same(t, tor.File(2), tor.FileByName(path.Parse("c")))
	require.Nil(t, tor.FileByName(path.Parse("d")))

	tor2, err := New("new", testPieceSize, files, nil)
	require.NoError(t, err)
	require.True(t, tor.Hash().Equal(tor2.Hash()))
	tor3, err := New("other", testPieceSize, files, nil)
	require.NoError(t, err)
	require.False(t, tor.Hash().Equal(tor3.Hash()))
}

func TestRegistry(t *testing.T) {
	tor := newTorrent(t, nil, 100000)
	require.Same(t, tor, Get(tor.Hash()))
	require.Same(t, tor, GetByName(t.Name()))
	require.GreaterOrEqual(t, Count(), 1)

	dup, err := New(t.Name(), testPieceSize,
		[]Torfile{{Path: path.Parse("a.dat"), Length: 100000}}, nil)
	require.NoError(t, err)
	_, err = AddTorrent(context.Background(), dup)
	require.True(t, errors.Is(err, os.ErrExist))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tor.Kill(ctx))
	require.Nil(t, Get(tor.Hash()))
	require.True(t, tor.Destroyed())
	require.Equal(t, ErrTorrentDead, tor.Kill(ctx))
	_, err = tor.GetStats()
	require.Equal(t, ErrTorrentDead, err)
	require.Equal(t, ErrTorrentDead, tor.Start())
}

func TestRegistrySameHash(t *testing.T) {
	files := []Torfile{{Path: path.Parse("a.dat"), Length: 100000}}
	a, err := New(t.Name(), testPieceSize, files, nil)
	require.NoError(t, err)
	b, err := New(t.Name(), testPieceSize, files, nil)
	require.NoError(t, err)
	require.Equal(t, a.Hash(), b.Hash())

	require.True(t, add(a))
	require.False(t, add(b))
	del(b)
	require.Same(t, a, Get(a.Hash()))
	del(a)
	require.Nil(t, Get(a.Hash()))
	require.True(t, add(b))
	require.Same(t, b, Get(a.Hash()))
	del(b)
}

func TestState(t *testing.T) {
	tor := newTorrent(t, nil, 100000)

	var mu sync.Mutex
	var transitions [][2]download.State
	tor.AddStateListener(func(old, new download.State) {
		mu.Lock()
		transitions = append(transitions, [2]download.State{old, new})
		mu.Unlock()
	})

	require.NoError(t, tor.Start())
	waitState(t, tor, download.StateDownloading)
	require.NotNil(t, tor.PeerManager())
	require.NotNil(t, tor.DiskManager())
	require.Len(t, tor.Peers(), numPeers)

	require.NoError(t, tor.Pause(true))
	waitState(t, tor, download.StateStopped)
	require.True(t, tor.Paused())
	require.Nil(t, tor.PeerManager())
	require.NoError(t, tor.Pause(false))
	waitState(t, tor, download.StateDownloading)

	require.NoError(t, tor.Fail(errors.New("disk on fire")))
	waitState(t, tor, download.StateError)
	require.Error(t, tor.Err())
	require.NoError(t, tor.Fail(nil))
	waitState(t, tor, download.StateDownloading)

	require.NoError(t, tor.Stop())
	waitState(t, tor, download.StateStopped)
	tor.SetForceStart(true)
	require.True(t, tor.ForceStarted())
	waitState(t, tor, download.StateDownloading)
	tor.SetForceStart(false)
	waitState(t, tor, download.StateStopped)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][2]download.State{
		{download.StateStopped, download.StateDownloading},
		{download.StateDownloading, download.StateStopped},
		{download.StateStopped, download.StateDownloading},
		{download.StateDownloading, download.StateError},
		{download.StateError, download.StateDownloading},
		{download.StateDownloading, download.StateStopped},
		{download.StateStopped, download.StateDownloading},
		{download.StateDownloading, download.StateStopped},
	}, transitions)
}

func TestForceStartRefs(t *testing.T) {
	tor := newTorrent(t, nil, 100000)
	fs := tor.ForceStart()
	require.True(t, fs.Acquire())
	fs.Wait()
	require.True(t, tor.ForceStarted())
	waitState(t, tor, download.StateDownloading)
	fs.Release()
	fs.Wait()
	require.False(t, tor.ForceStarted())
	waitState(t, tor, download.StateStopped)
}

func TestPeerListener(t *testing.T) {
	tor := newTorrent(t, nil, 100000)
	added := make(chan download.PeerManager, 4)
	remove := tor.AddPeerListener(addedListener(func(pm download.PeerManager) {
		added <- pm
	}))
	defer remove()

	require.NoError(t, tor.Start())
	var pm download.PeerManager
	select {
	case pm = <-added:
	case <-time.After(5 * time.Second):
		t.Fatalf("no peer manager")
	}
	require.Len(t, pm.Peers(), numPeers)

	// a late listener is told about the current peer manager
	late := make(chan download.PeerManager, 1)
	tor.AddPeerListener(addedListener(func(pm download.PeerManager) {
		late <- pm
	}))
	require.Equal(t, pm, <-late)
}

func TestWrite(t *testing.T) {
	tor := newTorrent(t, nil, 20000, 50000)
	f0, f1 := tor.File(0), tor.File(1)

	type write struct{ offset, length int64 }
	var mu sync.Mutex
	var w0, w1 []write
	f0.AddWriteListener(func(o, l int64) {
		mu.Lock()
		w0 = append(w0, write{o, l})
		mu.Unlock()
	})
	f1.AddWriteListener(func(o, l int64) {
		mu.Lock()
		w1 = append(w1, write{o, l})
		mu.Unlock()
	})

	err := tor.Write(testPieceSize, make([]byte, 1000))
	require.Error(t, err)

	// the second chunk of piece 0 doesn't notify anybody
	err = tor.Write(16384, downloadtest.Content(16384, 16384))
	require.NoError(t, err)
	_, err = f0.ReadAt(make([]byte, 10), 0)
	require.Error(t, err)

	err = tor.Write(0, downloadtest.Content(0, 16384))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(w0) == 1 && len(w1) == 1
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, write{0, 20000}, w0[0])
	require.Equal(t, write{0, testPieceSize - 20000}, w1[0])
	mu.Unlock()
	require.Equal(t, int64(20000), f0.Downloaded())
	require.True(t, download.Complete(f0))
	require.Equal(t, int64(testPieceSize-20000), f1.Downloaded())

	buf := make([]byte, 100)
	n, err := f1.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, downloadtest.Content(20010, 100), buf)

	// the last piece is short
	err = tor.Write(2*testPieceSize, downloadtest.Content(2*testPieceSize, 70000-2*testPieceSize))
	require.NoError(t, err)
	err = tor.Write(testPieceSize, downloadtest.Content(testPieceSize, testPieceSize))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return download.Complete(f1)
	}, 5*time.Second, 5*time.Millisecond)

	// a new listener gets the merged ranges that are complete
	var replay []write
	f1.AddWriteListener(func(o, l int64) {
		replay = append(replay, write{o, l})
	})
	require.Equal(t, []write{{0, 50000}}, replay)

	n, err = f1.ReadAt(make([]byte, 100), 49950)
	require.Equal(t, 50, n)
	require.Equal(t, io.EOF, err)

	err = tor.Write(70000, make([]byte, 10))
	require.Error(t, err)
}

func TestFetch(t *testing.T) {
	unlimited(t)
	length := int64(10*testPieceSize + 1234)
	source := newSource(length)
	tor := newTorrent(t, source, length)
	require.NoError(t, tor.Start())
	waitState(t, tor, download.StateSeeding)

	buf := make([]byte, length)
	n, err := tor.File(0).ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, int(length), n)
	require.Equal(t, downloadtest.Content(0, length), buf)

	offsets := source.get()
	for i := 1; i < len(offsets); i++ {
		require.Less(t, offsets[i-1], offsets[i])
	}

	require.Eventually(t, func() bool {
		var fetched int64
		for _, p := range tor.Peers() {
			fetched += p.Fetched()
		}
		return fetched == length
	}, 5*time.Second, 5*time.Millisecond)
	for _, p := range tor.Peers() {
		require.Empty(t, p.ReservedPieces())
	}

	stats, err := tor.GetStats()
	require.NoError(t, err)
	require.Equal(t, 11, stats.Complete)
	require.Equal(t, 11, stats.NumPieces)
	require.Equal(t, download.StateSeeding, stats.State)
	require.Equal(t, numPeers, stats.NumPeers)
}

func TestFetchStopped(t *testing.T) {
	unlimited(t)
	source := newSource(4 * testPieceSize)
	tor := newTorrent(t, source, 4*testPieceSize)
	time.Sleep(3 * fetchInterval)
	require.Empty(t, source.get())
	require.Equal(t, int64(0), tor.File(0).Downloaded())
}

func TestFetchHint(t *testing.T) {
	unlimited(t)
	length := int64(10 * testPieceSize)
	source := newSource(length)
	tor := newTorrent(t, source, length)
	tor.AddPeerListener(addedListener(func(pm download.PeerManager) {
		pm.PiecePicker().SetGlobalRequestHint(7, 0, testPieceSize)
	}))
	require.NoError(t, tor.Start())
	waitState(t, tor, download.StateSeeding)

	offsets := source.get()
	require.Equal(t, int64(7*testPieceSize), offsets[0])
	require.Equal(t, int64(0), offsets[1])
}

func TestFetchReverseHint(t *testing.T) {
	unlimited(t)
	length := int64(10 * testPieceSize)
	source := newSource(length)
	tor := newTorrent(t, source, length)
	tor.AddPeerListener(addedListener(func(pm download.PeerManager) {
		pm.PiecePicker().SetReverseBlockOrder(true)
		pm.PiecePicker().SetGlobalRequestHint(7, 0, testPieceSize)
	}))
	require.NoError(t, tor.Start())
	waitState(t, tor, download.StateSeeding)

	offsets := source.get()
	require.Equal(t, int64(7*testPieceSize+16384), offsets[0])
	require.Equal(t, int64(7*testPieceSize), offsets[1])
	require.Equal(t, int64(0), offsets[2])
}

type fixedRTAs []mono.Time

func (r fixedRTAs) UpdateRTAs(download.PiecePicker) []mono.Time {
	return r
}

func TestFetchRTA(t *testing.T) {
	unlimited(t)
	length := int64(10 * testPieceSize)
	source := newSource(length)
	tor := newTorrent(t, source, length)
	rtas := make(fixedRTAs, 10)
	rtas[5] = mono.Now().Add(2 * time.Second)
	rtas[3] = mono.Now().Add(time.Second)
	tor.AddPeerListener(addedListener(func(pm download.PeerManager) {
		pm.PiecePicker().AddRTAProvider(rtas)
	}))
	require.NoError(t, tor.Start())
	waitState(t, tor, download.StateSeeding)

	offsets := source.get()
	require.Equal(t, int64(3*testPieceSize), offsets[0])
	require.Equal(t, int64(5*testPieceSize), offsets[1])
	require.Equal(t, int64(0), offsets[2])
}

func TestFetchSkipped(t *testing.T) {
	unlimited(t)
	length := int64(5 * testPieceSize)
	source := newSource(length)
	tor := newTorrent(t, source, 2*testPieceSize, 3*testPieceSize)
	tor.File(0).SetSkipped(true)
	require.True(t, tor.File(0).Skipped())
	require.NoError(t, tor.Start())

	require.Eventually(t, func() bool {
		return download.Complete(tor.File(1))
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(3 * fetchInterval)
	require.Equal(t, int64(0), tor.File(0).Downloaded())
	require.Equal(t, download.StateDownloading, tor.State())

	tor.File(0).SetSkipped(false)
	waitState(t, tor, download.StateSeeding)
}

func TestDiskManager(t *testing.T) {
	tor := newTorrent(t, nil, 3*testPieceSize)
	require.NoError(t, tor.Start())
	waitState(t, tor, download.StateDownloading)

	require.NoError(t, tor.Write(testPieceSize+16384,
		downloadtest.Content(testPieceSize+16384, 16384)))
	dm := tor.DiskManager()
	require.NotNil(t, dm)
	require.Equal(t, 3, dm.NumPieces())
	ps := dm.Piece(1)
	require.False(t, ps.Done)
	require.Equal(t, int(config.ChunkSize), ps.BlockSize)
	require.False(t, ps.Written.Get(0))
	require.True(t, ps.Written.Get(1))

	require.NoError(t, tor.Write(testPieceSize,
		downloadtest.Content(testPieceSize, 16384)))
	require.True(t, dm.Piece(1).Done)
	require.False(t, dm.Piece(0).Done)
}

func TestReservations(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	pm := newPeerManager(2)
	require.Nil(t, pm.Piece(3))

	p := pm.reserve(3, r)
	require.NotNil(t, p)
	require.Same(t, p, pm.reserve(3, r))
	require.Equal(t, []int{3}, p.ReservedPieces())
	require.Equal(t, download.Peer(p), pm.Piece(3).ReservedBy())

	q := pm.reserve(4, r)
	require.NotSame(t, p, q)
	require.Equal(t, 2, pm.numActive())

	// a cleared reservation is given to the least loaded peer
	pm.Piece(3).SetReservedBy(nil)
	p.RemoveReservedPiece(3)
	pm.reserve(5, r)
	pm.reserve(3, r)
	require.Equal(t, 3, len(p.ReservedPieces())+len(q.ReservedPieces()))

	pm.done(3)
	pm.done(4)
	pm.done(5)
	require.Nil(t, pm.Piece(3))
	require.Empty(t, p.ReservedPieces())
	require.Empty(t, q.ReservedPieces())
	require.Equal(t, 0, pm.numActive())
}

type countingProvider struct {
	rtas  []mono.Time
	calls int
}

func (p *countingProvider) UpdateRTAs(download.PiecePicker) []mono.Time {
	p.calls++
	return p.rtas
}

func TestPicker(t *testing.T) {
	p := &Picker{}
	_, ok := p.GlobalRequestHint()
	require.False(t, ok)
	p.SetGlobalRequestHint(2, 100, 200)
	h, ok := p.GlobalRequestHint()
	require.True(t, ok)
	require.Equal(t, download.Hint{Piece: 2, Offset: 100, Length: 200}, h)
	p.SetGlobalRequestHint(-1, 0, 0)
	h, ok = p.GlobalRequestHint()
	require.False(t, ok)
	require.Equal(t, download.NoHint, h)

	require.Nil(t, p.RTAs(4))
	now := mono.Now()
	a := &countingProvider{rtas: []mono.Time{0, now.Add(time.Second), now.Add(3 * time.Second)}}
	b := &countingProvider{rtas: []mono.Time{0, now.Add(2 * time.Second), now.Add(time.Second), 0, now}}
	p.AddRTAProvider(a)
	p.AddRTAProvider(a)
	p.AddRTAProvider(b)
	require.Equal(t, 2, p.NumProviders())
	require.Equal(t, []mono.Time{
		0, now.Add(time.Second), now.Add(time.Second), 0,
	}, p.RTAs(4))
	require.Equal(t, 1, a.calls)

	p.RemoveRTAProvider(a)
	require.Equal(t, 1, p.NumProviders())
	p.RemoveRTAProvider(b)
	require.Nil(t, p.RTAs(4))
}
