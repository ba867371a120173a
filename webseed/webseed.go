// Package webseed implements remote sources: files on HTTP servers that
// are read with range requests.
package webseed

import (
	"context"
	"io"
	nurl "net/url"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jech/stread/rate"
)

var ErrBackoff = errors.New("webseed is backing off")

// Source is a remote file.  It implements io.ReaderAt.
type Source struct {
	url    string
	proxy  string
	length int64

	mu     sync.Mutex
	count  int
	errors int
	time   time.Time
	e      rate.Estimator
}

// New probes the file at url and returns a source for it.
func New(ctx context.Context, url string, proxy string) (*Source, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %v", u.Scheme)
	}
	ws := &Source{url: url, proxy: proxy, length: -1}
	ws.e.Init(10 * time.Second)

	fl, err := ws.probe(ctx)
	if err != nil {
		return nil, err
	}
	ws.length = fl
	return ws, nil
}

func (ws *Source) URL() string {
	return ws.url
}

// Name returns the last component of the source's URL.
func (ws *Source) Name() string {
	u, err := nurl.Parse(ws.url)
	if err != nil {
		return ws.url
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return u.Host
	}
	return name
}

func (ws *Source) Length() int64 {
	return ws.length
}

func (ws *Source) start() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.count++
	if ws.count < 1 {
		panic("Eek")
	}
	if ws.count == 1 {
		ws.e.Start()
	}
	ws.time = time.Now()
}

func (ws *Source) stop() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.count--
	if ws.count < 0 {
		panic("Eek")
	}
	if ws.count == 0 {
		ws.e.Stop()
	}
}

func (ws *Source) error(e bool) {
	ws.mu.Lock()
	if e {
		ws.errors++
	} else {
		ws.errors = 0
	}
	ws.mu.Unlock()
}

func (ws *Source) accumulate(value int) {
	ws.mu.Lock()
	ws.e.Accumulate(value)
	ws.mu.Unlock()
}

func (ws *Source) Rate() float64 {
	ws.mu.Lock()
	v := ws.e.Estimate()
	ws.mu.Unlock()
	return v
}

// Ready returns false if the source has failed repeatedly in the recent
// past.
func (ws *Source) Ready() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.errors >= 2 {
		t := 10 * time.Second * time.Duration(1<<uint(ws.errors))
		if time.Since(ws.time) < t {
			return false
		}
	}
	return true
}

func (ws *Source) Count() int {
	ws.mu.Lock()
	v := ws.count
	ws.mu.Unlock()
	return v
}

// ReadAt reads from the remote file.  Each call performs one range
// request.
func (ws *Source) ReadAt(p []byte, off int64) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return ws.ReadAtContext(ctx, p, off)
}

func (ws *Source) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= ws.length {
		return 0, io.EOF
	}
	if !ws.Ready() {
		return 0, ErrBackoff
	}
	l := int64(len(p))
	if l > ws.length-off {
		l = ws.length - off
	}
	if l == 0 {
		return 0, nil
	}

	n, err := ws.get(ctx, off, p[:l])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}
