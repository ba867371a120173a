// Package http serves simulated downloads over HTTP.  Files are
// streamed through sequential read channels.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/jech/stread/alloc"
	"github.com/jech/stread/channel"
	"github.com/jech/stread/config"
	"github.com/jech/stread/hash"
	"github.com/jech/stread/path"
	"github.com/jech/stread/tor"
)

var logger = log.Default.WithNames("http")

type handler struct {
	ctx   context.Context
	start time.Time
}

func NewHandler(ctx context.Context) http.Handler {
	return &handler{ctx, time.Now()}
}

func (handler *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The server is only bound to localhost, but an attacker might be
	// able to cause the user's browser to connect to localhost by
	// manipulating the DNS.  Prevent this by making sure that the
	// browser thinks it's connecting to localhost.
	if host != "localhost" && net.ParseIP(host) == nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	pth := r.URL.Path
	if pth == "/" {
		root(w, r)
		return
	}

	if len(pth) < 41 {
		http.NotFound(w, r)
		return
	}

	hash := hash.Parse(pth[1:41])
	if hash == nil {
		http.NotFound(w, r)
		return
	}

	if r.Method != "HEAD" && r.Method != "GET" {
		w.Header().Set("allow", "HEAD, GET")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(pth) == 41 {
		t := tor.Get(hash)
		if t == nil {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, pth+"/", http.StatusMovedPermanently)
		return
	}

	if pth[41] == '/' {
		err = r.ParseForm()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form["playlist"] != nil {
			playlist(w, r, hash, path.Parse(pth[42:]))
			return
		}
		if pth[len(pth)-1] == '/' {
			directory(w, r, hash, path.Parse(pth[42:]))
			return
		} else {
			file(w, r, handler.start, hash, path.Parse(pth[42:]))
			return
		}
	}

	if pth[41] == '.' && pth[42:] == "m3u" {
		playlist(w, r, hash, nil)
		return
	}

	http.NotFound(w, r)
}

func root(w http.ResponseWriter, r *http.Request) {
	if r.Method != "HEAD" && r.Method != "GET" && r.Method != "POST" {
		w.Header().Set("allow", "HEAD, GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := r.Form.Get("q")

	if q == "" {
		if r.Method != "HEAD" && r.Method != "GET" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		torrents(w, r)
		return
	} else if q == "peers" {
		if r.Method != "HEAD" && r.Method != "GET" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		hash := hash.Parse(r.Form.Get("hash"))
		if hash == nil {
			http.NotFound(w, r)
			return
		}
		torrent := tor.Get(hash)
		if torrent == nil {
			http.NotFound(w, r)
			return
		}
		peers(w, r, torrent)
		return
	} else if q == "delete" || q == "start" || q == "stop" ||
		q == "pause" || q == "resume" {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		h := hash.Parse(r.FormValue("hash"))
		if h == nil {
			http.Error(w, "couldn't parse hash", http.StatusBadRequest)
			return
		}
		t := tor.Get(h)
		if t == nil {
			http.NotFound(w, r)
			return
		}
		switch q {
		case "delete":
			err = t.Kill(r.Context())
		case "start":
			err = t.Start()
		case "stop":
			err = t.Stop()
		case "pause":
			err = t.Pause(true)
		case "resume":
			err = t.Pause(false)
		}
		if err != nil {
			if errors.Is(err, tor.ErrTorrentDead) {
				http.NotFound(w, r)
			} else {
				http.Error(w, err.Error(),
					http.StatusInternalServerError)
			}
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	} else if q == "set" {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		rate := r.Form.Get("rate")
		if rate != "" {
			v, err := humanize.ParseBytes(rate)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			config.SetFetchRate(float64(v))
		}
		buffer := r.Form.Get("buffer")
		if buffer != "" {
			v, err := strconv.ParseInt(buffer, 10, 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			config.SetBufferMillis(v)
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	} else {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
}

func header(w http.ResponseWriter, r *http.Request, title string) bool {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Header().Set("cache-control", "no-cache")
	if r.Method == "HEAD" {
		return true
	}
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head>\n")
	fmt.Fprintf(w, "<title>%v</title>\n", html.EscapeString(title))
	fmt.Fprintf(w, "</head><body>\n")
	return false
}

func footer(w http.ResponseWriter) {
	fmt.Fprintf(w, "</body></html>\n")
}

func directory(w http.ResponseWriter, r *http.Request, hash hash.Hash, pth path.Path) {
	ctx := r.Context()

	t := tor.Get(hash)
	if t == nil {
		http.NotFound(w, r)
		return
	}

	found := len(pth) == 0
	for _, f := range t.Files {
		if f.Path.Within(pth) {
			found = true
			break
		}
	}
	if !found {
		http.NotFound(w, r)
		return
	}

	done := header(w, r, t.Name)
	if done {
		return
	}
	err := torrentEntry(ctx, w, t, pth)
	if err != nil {
		return
	}
	footer(w)
}

func pathUrl(p path.Path) string {
	var b []byte
	for _, s := range p {
		t := url.PathEscape(s)
		b = append(b, t...)
		b = append(b, '/')
	}
	return string(b[0 : len(b)-1])
}

func torrentFile(w io.Writer, hash hash.Hash, f *tor.File) {
	p := pathUrl(f.Path)
	var skipped string
	if f.Skipped() {
		skipped = " (skipped)"
	}
	fmt.Fprintf(w,
		"<tr><td><a href=\"/%v/%v\">%v</a>%v</td>"+
			"<td>%v</td><td>%v</td></tr>\n",
		hash, p, html.EscapeString(f.Path.String()), skipped,
		humanize.IBytes(uint64(f.Length())),
		humanize.IBytes(uint64(f.Downloaded())))
}

func torrentDir(w io.Writer, hash hash.Hash, pth path.Path, lastdir path.Path) {
	var dir path.Path
	for i := 0; i < len(pth) && i < len(lastdir); i++ {
		if pth[i] != lastdir[i] {
			break
		}
		dir = append(dir, pth[i])
	}
	for i := len(dir); i < len(pth); i++ {
		dir = append(dir, pth[i])
		p := pathUrl(dir)
		fmt.Fprintf(w,
			"<tr><td><a href=\"/%v/%v/\">%v/</a></td><td>"+
				"(<a href=\"/%v/%v/?playlist\">playlist</a>)"+
				"</td></tr>\n",
			hash, p, html.EscapeString(dir.String()),
			hash, p)
	}
}

func stateButton(w io.Writer, hash hash.Hash, q, label string) {
	fmt.Fprintf(w, "<form action=\"/?q=%v\" class=\"%v-form\" method=\"post\"><button type=\"submit\" name=\"hash\" value=\"%v\">%v</button></form>\n",
		q, q, hash, label)
}

func torrentEntry(ctx context.Context, w http.ResponseWriter, t *tor.Torrent, dir path.Path) error {
	hash := t.Hash()
	fmt.Fprintf(w, "<p><a href=\"/%v/\">%v</a> %v ",
		hash, html.EscapeString(t.Name), hash)
	fmt.Fprintf(w, "(<a href=\"/%v.m3u\">playlist</a>): ", hash)
	stats, err := t.GetStats()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v, %v in %v/%v pieces (%v each), ",
		stats.State,
		humanize.IBytes(uint64(stats.Memory)),
		stats.Complete, stats.NumPieces,
		humanize.IBytes(uint64(stats.PieceSize)))
	fmt.Fprintf(w, "<a href=\"/?q=peers&hash=%v\">%v peers</a>",
		hash, stats.NumPeers)
	if t.ForceStarted() {
		fmt.Fprintf(w, " (forced)")
	}
	fmt.Fprintf(w, "</p>")
	fmt.Fprintf(w, "<p><table>\n")

	a := make([]int, 0, t.NumFiles())
	for i := range t.Files {
		if t.Files[i].Path.Within(dir) {
			a = append(a, i)
		}
	}
	slices.SortFunc(a, func(i, j int) int {
		return t.Files[i].Path.Compare(t.Files[j].Path)
	})
	var lastdir path.Path
	for _, i := range a {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := t.File(i)
		path := f.Path
		dir := path[:len(path)-1]
		if !dir.Equal(lastdir) {
			torrentDir(w, hash, dir, lastdir)
			lastdir = dir
		}
		torrentFile(w, hash, f)
	}
	fmt.Fprintf(w, "</table></p>\n")
	if stats.State.Running() {
		stateButton(w, hash, "stop", "Stop")
	} else {
		stateButton(w, hash, "start", "Start")
	}
	if t.Paused() {
		stateButton(w, hash, "resume", "Resume")
	} else {
		stateButton(w, hash, "pause", "Pause")
	}
	stateButton(w, hash, "delete", "Delete")
	return nil
}

func torrents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	done := header(w, r, "STread")
	if done {
		return
	}

	fmt.Fprintf(w, "<form action=\"/?q=set\" method=\"post\">Rate: <input type=\"text\" name=\"rate\"/> Buffer (ms): <input type=\"text\" name=\"buffer\"/> <input type=\"submit\"/></form>\n")

	fmt.Fprintf(w, "<p>Download %v/s (limit %v/s), buffering %vms, ",
		humanize.IBytes(uint64(tor.DownloadEstimator.Estimate())),
		humanize.IBytes(uint64(config.FetchRate())),
		config.BufferMillis())
	if mark := config.MemoryMark(); mark > 0 {
		fmt.Fprintf(w, "%v/%v allocated.</p>\n",
			humanize.IBytes(uint64(alloc.Bytes())),
			humanize.IBytes(uint64(mark)))
	} else {
		fmt.Fprintf(w, "%v allocated.</p>\n",
			humanize.IBytes(uint64(alloc.Bytes())))
	}

	var tors []*tor.Torrent
	tor.Range(func(k hash.Hash, t *tor.Torrent) bool {
		tors = append(tors, t)
		return true
	})
	slices.SortFunc(tors, func(a, b *tor.Torrent) int {
		if a.Name != b.Name {
			return strings.Compare(a.Name, b.Name)
		}
		return bytes.Compare(a.Hash(), b.Hash())
	})
	for _, t := range tors {
		err := torrentEntry(ctx, w, t, path.Path(nil))
		if err != nil {
			return
		}
	}

	footer(w)
}

func peers(w http.ResponseWriter, r *http.Request, t *tor.Torrent) {
	ps := t.Peers()

	done := header(w, r, "Peers for "+t.Name)
	if done {
		return
	}

	fmt.Fprintf(w, "<p><table>\n")
	for _, p := range ps {
		reserved := p.ReservedPieces()
		var rs []string
		for _, i := range reserved {
			rs = append(rs, strconv.Itoa(i))
		}
		fmt.Fprintf(w, "<tr><td>%v</td><td>%v</td><td>%v</td></tr>\n",
			p.Id, humanize.IBytes(uint64(p.Fetched())),
			strings.Join(rs, " "))
	}
	fmt.Fprintf(w, "</table></p>\n")

	footer(w)
}

func m3uentry(w http.ResponseWriter, host string, hash hash.Hash, path path.Path) {
	fmt.Fprintf(w, "#EXTINF:-1,%v\n",
		strings.Replace(path[len(path)-1], ",", "", -1))
	fmt.Fprintf(w, "http://%v/%v/%v\n",
		host, hash, pathUrl(path))
}

func playlist(w http.ResponseWriter, r *http.Request, hash hash.Hash, dir path.Path) {
	t := tor.Get(hash)
	if t == nil {
		http.NotFound(w, r)
		return
	}

	var found bool
	for _, f := range t.Files {
		if f.Path.Within(dir) {
			found = true
			break
		}
	}
	if !found {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("content-type", "application/vnd.apple.mpegurl")
	if r.Method == "HEAD" {
		return
	}

	fmt.Fprintf(w, "#EXTM3U\n")
	a := make([]int, len(t.Files))
	for i := range a {
		a[i] = i
	}
	slices.SortFunc(a, func(i, j int) int {
		return t.Files[i].Path.Compare(t.Files[j].Path)
	})
	for _, i := range a {
		path := t.Files[i].Path
		if path.Within(dir) {
			m3uentry(w, r.Host, hash, path)
		}
	}
}

func file(w http.ResponseWriter, r *http.Request, mtime time.Time, hash hash.Hash, pth path.Path) {
	t := tor.Get(hash)
	if t == nil {
		http.NotFound(w, r)
		return
	}

	f := t.FileByName(pth)
	if f == nil {
		http.NotFound(w, r)
		return
	}

	c, err := channel.New(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer c.Destroy()

	w.Header().Set("etag",
		fmt.Sprintf("\"%v-%v\"", hash.String(), f.Offset()))
	reader := channel.NewReader(r.Context(), c)
	defer reader.Close()
	reader.SetUserAgent(r.UserAgent())
	logger.Levelf(log.Debug, "%v: serving %v to %v",
		t.Name, pth, r.UserAgent())
	http.ServeContent(w, r, pth.String(), mtime, reader)
}
