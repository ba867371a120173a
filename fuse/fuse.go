//go:build unix

package fuse

import (
	"context"
	"hash/fnv"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/jech/stread/event"
	"github.com/jech/stread/hash"
	"github.com/jech/stread/path"
	"github.com/jech/stread/randread"
	"github.com/jech/stread/tor"
)

var logger = log.Default.WithNames("fuse")

// Serve mounts the torrents at mountpoint.  Reads are performed as
// random reads through registry.
func Serve(mountpoint string, registry *randread.Registry) error {
	conn, err := fuse.Mount(
		mountpoint,
		fuse.Subtype("stread"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	<-conn.Ready
	if conn.MountError != nil {
		conn.Close()
		return conn.MountError
	}

	fsys := &filesystem{registry: registry, mtime: time.Now()}
	go func(conn *fuse.Conn) {
		defer conn.Close()
		err := fs.Serve(conn, fsys)
		if err != nil {
			logger.Levelf(log.Warning, "serve: %v", err)
		}
	}(conn)

	return conn.MountError
}

func Close(mountpoint string) error {
	return fuse.Unmount(mountpoint)
}

type filesystem struct {
	registry *randread.Registry
	mtime    time.Time
}

func (fsys *filesystem) Root() (fs.Node, error) {
	return root{fsys}, nil
}

func fileInode(hash hash.Hash, path path.Path) uint64 {
	h := fnv.New64a()
	h.Write(hash)
	for _, n := range path {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// single returns true if t is exposed as a plain file rather than a
// directory.
func single(t *tor.Torrent) bool {
	return t.NumFiles() == 1 && t.Files[0].Path.Equal(path.Path{t.Name})
}

type root struct {
	fsys *filesystem
}

func (dir root) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = 1
	a.Mode = os.ModeDir | 0555
	return nil
}

func (dir root) Lookup(ctx context.Context, name string) (fs.Node, error) {
	t := tor.GetByName(name)
	if t == nil {
		return nil, fuse.ENOENT
	}

	if single(t) {
		return file{dir.fsys, t, name}, nil
	}

	return directory{dir.fsys, t, ""}, nil
}

func (dir root) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	ents := make([]fuse.Dirent, 0)
	tor.Range(func(h hash.Hash, t *tor.Torrent) bool {
		if t.Name != "" {
			tpe := fuse.DT_Dir
			if single(t) {
				tpe = fuse.DT_File
			}
			ents = append(ents, fuse.Dirent{
				Name:  t.Name,
				Type:  tpe,
				Inode: fileInode(t.Hash(), nil),
			})
		}
		return true
	})
	return ents, nil
}

type directory struct {
	fsys *filesystem
	t    *tor.Torrent
	name string
}

func (dir directory) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = fileInode(dir.t.Hash(), path.Parse(dir.name))
	a.Mode = os.ModeDir | 0555
	a.Mtime = dir.fsys.mtime
	a.Ctime = dir.fsys.mtime
	return nil
}

func (dir directory) Lookup(ctx context.Context, name string) (fs.Node, error) {
	pth := path.Parse(dir.name)
	for _, f := range dir.t.Files {
		if f.Path.Within(pth) && f.Path[len(pth)] == name {
			p := pth.Append(name)
			if len(f.Path) > len(pth)+1 {
				return directory{dir.fsys, dir.t, p.String()}, nil
			} else {
				return file{dir.fsys, dir.t, p.String()}, nil
			}
		}
	}
	return nil, fuse.ENOENT
}

func (dir directory) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	pth := path.Parse(dir.name)

	ents := make([]fuse.Dirent, 0)
	dirs := make(map[string]bool)
	for _, f := range dir.t.Files {
		if !f.Path.Within(pth) {
			continue
		}
		name := f.Path[len(pth)]
		tpe := fuse.DT_File
		if len(f.Path) > len(pth)+1 {
			if dirs[name] {
				continue
			}
			dirs[name] = true
			tpe = fuse.DT_Dir
		}
		ents = append(ents, fuse.Dirent{
			Name:  name,
			Type:  tpe,
			Inode: fileInode(dir.t.Hash(), f.Path[:len(pth)+1]),
		})
	}
	return ents, nil
}

type file struct {
	fsys *filesystem
	t    *tor.Torrent
	name string
}

func (file file) find() *tor.File {
	return file.t.FileByName(path.Parse(file.name))
}

func (file file) Attr(ctx context.Context, a *fuse.Attr) error {
	f := file.find()
	if f == nil {
		return fuse.ENOENT
	}
	size := uint64(f.Length())

	a.Inode = fileInode(file.t.Hash(), f.Path)
	a.Mode = 0444
	a.Size = size
	a.Blocks = (size + 511) / 512
	a.Mtime = file.fsys.mtime
	a.Ctime = file.fsys.mtime
	return nil
}

type handle struct {
	fsys *filesystem
	f    *tor.File
}

// Maps file names to torrent hashes, avoids cache corruption if two
// torrents have the same name.
var cached struct {
	mu     sync.Mutex
	cached map[string]hash.Hash
}

func cachedValid(name string, hsh hash.Hash) bool {
	cached.mu.Lock()
	defer cached.mu.Unlock()
	if cached.cached == nil {
		cached.cached = make(map[string]hash.Hash)
	}
	h, ok := cached.cached[name]
	if ok && h.Equal(hsh) {
		return true
	}
	cached.cached[name] = hsh
	return false
}

func (file file) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, fuse.Errno(syscall.EACCES)
	}

	f := file.find()
	if f == nil {
		return nil, fuse.ENOENT
	}
	if file.t.Destroyed() {
		return nil, fuse.EIO
	}
	if cachedValid(file.t.Name+"/"+file.name, file.t.Hash()) {
		resp.Flags |= fuse.OpenKeepCache
	}

	return handle{file.fsys, f}, nil
}

// errno maps read errors to what the kernel understands.
func errno(err error) error {
	if errors.Is(err, context.Canceled) {
		return fuse.Errno(syscall.EINTR)
	}
	switch event.KindOf(err) {
	case event.KindValidation:
		return fuse.Errno(syscall.EINVAL)
	case event.KindTimeout:
		return fuse.Errno(syscall.ETIMEDOUT)
	case event.KindCancelled:
		return fuse.Errno(syscall.EINTR)
	}
	return fuse.EIO
}

func (handle handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	resp.Data = resp.Data[:req.Size]
	n, err := randread.ReadAt(ctx, handle.fsys.registry, handle.f,
		resp.Data, req.Offset)
	resp.Data = resp.Data[:n]
	if n > 0 || err == io.EOF {
		err = nil
	}
	if err != nil {
		logger.Levelf(log.Debug, "read %v at %v: %v",
			handle.f.Name(), req.Offset, err)
		return errno(err)
	}
	return nil
}

func (handle handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return nil
}
