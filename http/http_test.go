package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jech/stread/config"
	"github.com/jech/stread/download/downloadtest"
	"github.com/jech/stread/path"
	"github.com/jech/stread/tor"
)

func newTorrent(t *testing.T, length int64) *tor.Torrent {
	rate := config.FetchRate()
	config.SetFetchRate(8 * 1024 * 1024)
	t.Cleanup(func() { config.SetFetchRate(rate) })

	source := bytes.NewReader(downloadtest.Content(0, length))
	torrent, err := tor.New(t.Name(), 64*1024, []tor.Torfile{
		{Path: path.Parse("dir/movie.mkv"), Length: length},
	}, source)
	require.NoError(t, err)
	_, err = tor.AddTorrent(context.Background(), torrent)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		torrent.Kill(ctx)
	})
	return torrent
}

func get(t *testing.T, server *httptest.Server, p string, header http.Header) *http.Response {
	req, err := http.NewRequest("GET", server.URL+p, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func newServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(NewHandler(context.Background()))
	t.Cleanup(server.Close)
	return server
}

func TestListing(t *testing.T) {
	torrent := newTorrent(t, 300000)
	server := newServer(t)

	resp := get(t, server, "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), torrent.Hash().String())
	require.Contains(t, string(body), "dir/movie.mkv")
	require.Contains(t, string(body), "293 KiB")

	resp = get(t, server, "/"+torrent.Hash().String()+"/dir/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, server, "/"+torrent.Hash().String()+"/nodir/", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, server, "/"+torrent.Hash().String()+".m3u", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(body), "#EXTM3U\n"))
	require.Contains(t, string(body), "/dir/movie.mkv")

	resp = get(t, server, "/?q=peers&hash="+torrent.Hash().String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFile(t *testing.T) {
	torrent := newTorrent(t, 300000)
	server := newServer(t)
	p := "/" + torrent.Hash().String() + "/dir/movie.mkv"

	resp := get(t, server, p, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.Equal(downloadtest.Content(0, 300000), body))

	resp = get(t, server, p, http.Header{
		"Range": []string{"bytes=100000-100999"},
	})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.Equal(downloadtest.Content(100000, 1000), body))

	resp = get(t, server, "/"+torrent.Hash().String()+"/dir/none", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForbidden(t *testing.T) {
	handler := NewHandler(context.Background())
	req := httptest.NewRequest("GET", "http://evil.example.com:8088/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestActions(t *testing.T) {
	torrent := newTorrent(t, 100000)
	server := newServer(t)
	client := server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	post := func(q string) int {
		resp, err := client.PostForm(server.URL+"/?q="+q,
			url.Values{"hash": {torrent.Hash().String()}})
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusSeeOther, post("pause"))
	require.True(t, torrent.Paused())
	require.Equal(t, http.StatusSeeOther, post("resume"))
	require.False(t, torrent.Paused())

	resp, err := client.PostForm(server.URL+"/?q=set",
		url.Values{"buffer": {"bad"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, http.StatusSeeOther, post("delete"))
	require.Nil(t, tor.Get(torrent.Hash()))
	require.Equal(t, http.StatusNotFound, post("delete"))
}
