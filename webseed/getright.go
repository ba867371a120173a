package webseed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/jech/stread/httpclient"
)

type URLError struct {
	url string
	err error
}

func (err URLError) Error() string {
	return fmt.Sprintf("%v (%v)", err.err, err.url)
}

func (err URLError) Unwrap() error {
	return err.err
}

var ErrParse = errors.New("parse error")

func parseContentRange(cr string) (offset int64, length int64, fl int64,
	err error) {
	offset = -1
	length = -1
	fl = -1

	var end int64
	n, err := fmt.Sscanf(cr, "bytes %d-%d/%d\n", &offset, &end, &fl)
	if err == nil {
		if n != 3 || end < offset || end >= fl {
			err = ErrParse
			return
		}
		length = end - offset + 1
		return
	}

	n, err = fmt.Sscanf(cr, "bytes %d-%d/*\n", &offset, &end)
	if err == nil {
		if n != 2 || end < offset {
			err = ErrParse
			return
		}
		length = end - offset + 1
		return
	}

	n, err = fmt.Sscanf(cr, "bytes */%d\n", &fl)
	if err == nil {
		if n != 1 {
			err = ErrParse
			return
		}
		return
	}

	err = ErrParse
	return
}

// request performs a range request.  It returns the response, the
// length of the returned range and the length of the file, either of
// which may be -1 if unknown.
func (ws *Source) request(ctx context.Context, offset, length int64) (*http.Response, int64, int64, error) {
	errorf := func(format string, args ...interface{}) error {
		return URLError{ws.url, errors.Errorf(format, args...)}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ws.url, nil)
	if err != nil {
		return nil, -1, -1, err
	}

	req.Header.Set("Range",
		fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header["User-Agent"] = nil

	client, err := httpclient.Get(ws.proxy)
	if err != nil {
		return nil, -1, -1, err
	}

	r, err := client.Do(req)
	if err != nil {
		return nil, -1, -1, err
	}

	fl := int64(-1)
	l := int64(-1)
	if r.StatusCode == http.StatusOK {
		if offset != 0 {
			r.Body.Close()
			return nil, -1, -1, errorf("server ignored range request")
		}
		cl := r.Header.Get("Content-Length")
		if cl != "" {
			fl, err = strconv.ParseInt(cl, 10, 64)
			if err != nil {
				r.Body.Close()
				return nil, -1, -1, URLError{ws.url, err}
			}
			l = fl
		}
	} else if r.StatusCode == http.StatusPartialContent {
		rng := r.Header.Get("Content-Range")
		if rng == "" {
			r.Body.Close()
			return nil, -1, -1, errorf("missing Content-Range")
		}
		var o int64
		o, l, fl, err = parseContentRange(rng)
		if err != nil {
			r.Body.Close()
			return nil, -1, -1, URLError{ws.url, err}
		}
		if o != offset {
			r.Body.Close()
			return nil, -1, -1,
				errorf("server didn't honour range request")
		}
	} else {
		r.Body.Close()
		return nil, -1, -1, URLError{ws.url, errors.New(r.Status)}
	}

	if ws.length >= 0 && fl >= 0 && fl != ws.length {
		r.Body.Close()
		return nil, -1, -1, errorf("range mismatch "+
			"(expected %v, got %v)", ws.length, fl)
	}
	return r, l, fl, nil
}

// probe returns the length of the remote file.
func (ws *Source) probe(ctx context.Context) (int64, error) {
	r, _, fl, err := ws.request(ctx, 0, 1)
	if err != nil {
		return -1, err
	}
	r.Body.Close()
	if fl < 0 {
		return -1, URLError{ws.url, errors.New("unknown length")}
	}
	return fl, nil
}

// get reads len(p) bytes at offset.
func (ws *Source) get(ctx context.Context, offset int64, p []byte) (int, error) {
	ws.start()
	defer ws.stop()

	r, l, _, err := ws.request(ctx, offset, int64(len(p)))
	if err != nil {
		ws.error(true)
		return 0, err
	}
	defer r.Body.Close()

	reader := io.Reader(r.Body)
	if l > int64(len(p)) {
		reader = io.LimitReader(reader, int64(len(p)))
	}

	n, err := io.ReadFull(reader, p)
	ws.accumulate(n)
	if n > 0 {
		ws.error(false)
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}
