package randread

import (
	"context"
	"io"
	"sync"

	"github.com/jech/stread/download"
	"github.com/jech/stread/event"
)

// ReadAt reads len(p) bytes at off from file through a random read,
// blocking until the data has been downloaded.  It returns io.EOF if
// the read extends beyond the end of the file.
func ReadAt(ctx context.Context, registry *Registry, file download.File, p []byte, off int64) (int, error) {
	flen := file.Length()
	if off < 0 {
		return 0, event.Validationf("negative offset %v", off)
	}
	if off >= flen {
		return 0, io.EOF
	}
	length := int64(len(p))
	if length == 0 {
		return 0, nil
	}
	if off+length > flen {
		length = flen - off
	}

	var mu sync.Mutex
	n := 0
	r := registry.Request(file, off, length, false, func(e event.Event) {
		s, ok := e.(event.Success)
		if !ok {
			return
		}
		mu.Lock()
		copy(p[s.Offset-off:], s.Data)
		n += len(s.Data)
		mu.Unlock()
	})
	if r == nil {
		return 0, event.Statef("couldn't queue read at %v", off)
	}

	select {
	case <-r.Done():
	case <-ctx.Done():
		r.Cancel()
		<-r.Done()
		return 0, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	if err := r.Err(); err != nil {
		return n, err
	}
	if length < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}
