package tor

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/jech/stread/download"
	"github.com/jech/stread/path"
)

// Torfile describes a file within a torrent.
type Torfile struct {
	Path   path.Path
	Offset int64 // offset within the torrent
	Length int64 // length of the file
}

// File is a file of a running torrent.
type File struct {
	t     *Torrent
	index int
	Torfile

	mu           sync.Mutex
	skipped      bool
	nextListener int
	listeners    map[int]func(offset, length int64)
}

func (f *File) Download() download.Download {
	return f.t
}

func (f *File) Torrent() *Torrent {
	return f.t
}

func (f *File) Index() int {
	return f.index
}

func (f *File) Name() string {
	return f.Path.String()
}

func (f *File) Offset() int64 {
	return f.Torfile.Offset
}

func (f *File) Length() int64 {
	return f.Torfile.Length
}

// pieces returns the range of pieces that overlap f.
func (f *File) pieces() (int, int) {
	if f.Torfile.Length <= 0 {
		return 0, -1
	}
	ps := int64(f.t.Pieces.PieceSize())
	return int(f.Torfile.Offset / ps),
		int((f.Torfile.Offset + f.Torfile.Length - 1) / ps)
}

// clip returns the file-relative intersection of f with a range of the
// torrent.
func (f *File) clip(offset, length int64) (int64, int64, bool) {
	start, end := offset, offset+length
	if start < f.Torfile.Offset {
		start = f.Torfile.Offset
	}
	if e := f.Torfile.Offset + f.Torfile.Length; end > e {
		end = e
	}
	if end <= start {
		return 0, 0, false
	}
	return start - f.Torfile.Offset, end - start, true
}

// Downloaded returns the number of bytes of f within complete pieces.
func (f *File) Downloaded() int64 {
	first, last := f.pieces()
	ps := int64(f.t.Pieces.PieceSize())
	f.t.mu.Lock()
	defer f.t.mu.Unlock()
	var n int64
	for i := first; i <= last; i++ {
		if !f.t.complete.Contains(uint32(i)) {
			continue
		}
		_, l, ok := f.clip(int64(i)*ps, ps)
		if ok {
			n += l
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
	changed := f.skipped != skipped
	f.skipped = skipped
	f.mu.Unlock()
	if changed {
		f.t.Log.Printf("%v: skipped=%v", f.Name(), skipped)
	}
}

// ReadAt reads data that has been written.  It fails if the data is
// not available.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= f.Torfile.Length {
		return 0, io.EOF
	}
	l := len(p)
	if int64(l) > f.Torfile.Length-off {
		l = int(f.Torfile.Length - off)
	}
	n, err := f.t.Pieces.ReadAt(p[:l], f.Torfile.Offset+off)
	if err != nil {
		return n, err
	}
	if n < l {
		return n, errors.Errorf("data not available at %v", off+int64(n))
	}
	if l < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// AddWriteListener registers l, and calls it with the ranges of f that
// are already complete.
func (f *File) AddWriteListener(l func(offset, length int64)) (remove func()) {
	t := f.t
	first, last := f.pieces()
	ps := int64(t.Pieces.PieceSize())

	var replay [][2]int64
	t.mu.Lock()
	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = make(map[int]func(offset, length int64))
	}
	id := f.nextListener
	f.nextListener++
	f.listeners[id] = l
	f.mu.Unlock()
	for i := first; i <= last; i++ {
		if !t.complete.Contains(uint32(i)) {
			continue
		}
		o, n, ok := f.clip(int64(i)*ps, ps)
		if !ok {
			continue
		}
		if k := len(replay); k > 0 && replay[k-1][0]+replay[k-1][1] == o {
			replay[k-1][1] += n
		} else {
			replay = append(replay, [2]int64{o, n})
		}
	}
	t.mu.Unlock()

	for _, r := range replay {
		l(r[0], r[1])
	}
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *File) writeListeners() []func(offset, length int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls := make([]func(offset, length int64), 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	return ls
}

// Close is a no-op: files of a torrent hold no resources of their own.
func (f *File) Close() error {
	return nil
}
