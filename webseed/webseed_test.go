package webseed

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jech/stread/download/downloadtest"
)

type crTest struct {
	s        string
	o, l, fl int64
}

var good = []crTest{
	crTest{"bytes 10-20/30", 10, 11, 30},
	crTest{"bytes 10-29/30", 10, 20, 30},
	crTest{"bytes 10-20/*", 10, 11, -1},
	crTest{"bytes */30", -1, -1, 30},
}

var bad = []string{
	"octet 10-20/30",
	"bytes 10-20/30 foo",
	"bytes 10-20/",
	"bytes *-20/30",
	"bytes 10-*/30",
	"bytes 20-10/30",
	"bytes 10-20/15",
	"bytes 10-20/20",
}

func TestContentRange(t *testing.T) {
	for _, test := range good {
		o, l, fl, err := parseContentRange(test.s)
		if err != nil {
			t.Errorf("Parse %v: %v", test.s, err)
		}
		if o != test.o || l != test.l || fl != test.fl {
			t.Errorf("Parse %v: got %v, %v, %v expected %v, %v, %v",
				test.s, o, l, fl, test.o, test.l, test.fl)
		}
	}
	for _, test := range bad {
		o, l, fl, err := parseContentRange(test)
		if err == nil {
			t.Errorf("Parse %v: got %v, %v, %v expected error",
				test, o, l, fl)
		}
	}
}

const length = 100000

func newServer(t *testing.T, ranges bool) *httptest.Server {
	data := downloadtest.Content(0, length)
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if !ranges {
				w.Header().Set("Content-Length",
					strconv.Itoa(len(data)))
				w.Write(data)
				return
			}
			http.ServeContent(w, r, "data", time.Time{},
				bytes.NewReader(data))
		}))
	t.Cleanup(server.Close)
	return server
}

func TestSource(t *testing.T) {
	server := newServer(t, true)
	ws, err := New(context.Background(), server.URL+"/dir/movie.mkv", "")
	require.NoError(t, err)
	require.Equal(t, int64(length), ws.Length())
	require.Equal(t, "movie.mkv", ws.Name())

	buf := make([]byte, 3000)
	n, err := ws.ReadAt(buf, 5000)
	require.NoError(t, err)
	require.Equal(t, 3000, n)
	require.Equal(t, downloadtest.Content(5000, 3000), buf)

	n, err = ws.ReadAt(buf, length-1000)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 1000, n)
	require.Equal(t, downloadtest.Content(length-1000, 1000), buf[:n])

	_, err = ws.ReadAt(buf, length)
	require.Equal(t, io.EOF, err)

	sr := io.NewSectionReader(ws, 0, length)
	data, err := io.ReadAll(sr)
	require.NoError(t, err)
	require.Equal(t, downloadtest.Content(0, length), data)
	require.Equal(t, 0, ws.Count())
	require.True(t, ws.Ready())
}

func TestNoRanges(t *testing.T) {
	server := newServer(t, false)
	ws, err := New(context.Background(), server.URL, "")
	require.NoError(t, err)
	require.Equal(t, int64(length), ws.Length())

	buf := make([]byte, 100)
	_, err = ws.ReadAt(buf, 5000)
	require.Error(t, err)
	_, err = ws.ReadAt(buf, 6000)
	require.Error(t, err)
	require.False(t, ws.Ready())
	_, err = ws.ReadAt(buf, 7000)
	require.Equal(t, ErrBackoff, err)
}

func TestBadURL(t *testing.T) {
	_, err := New(context.Background(), "ftp://example.com/file", "")
	require.Error(t, err)
}
