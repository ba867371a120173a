package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/jech/stread/config"
	"github.com/jech/stread/fuse"
	"github.com/jech/stread/hash"
	thttp "github.com/jech/stread/http"
	"github.com/jech/stread/path"
	"github.com/jech/stread/physmem"
	"github.com/jech/stread/randread"
	"github.com/jech/stread/tor"
	"github.com/jech/stread/webseed"
)

func main() {
	var mountpoint, cpuprofile, proxyURL string
	var pieceSize, fetchRate string
	var bufferMillis int64
	var bufferPieces int
	var memoryMark int64

	logger := log.Default.WithNames("stread")

	mem, err := physmem.Total()
	if err != nil {
		logger.Printf("Couldn't determine physical memory: %v", err)
		mem = 2 * 1024 * 1024 * 1024
	}

	fmt.Fprintf(os.Stderr, "STread 0.0\n")

	flag.StringVar(&config.HTTPAddr, "http", "[::1]:8088",
		"web server address")
	flag.StringVar(&mountpoint, "mountpoint", "",
		"FUSE `mountpoint`")
	flag.StringVar(&pieceSize, "piece-size", "256KiB",
		"piece `size` of simulated downloads")
	flag.StringVar(&fetchRate, "rate", "2MiB",
		"fetch `rate` of simulated downloads, per second (0 = unlimited)")
	flag.Int64Var(&bufferMillis, "buffer-millis", config.BufferMillis(),
		"`milliseconds` of data buffered ahead of sequential readers")
	flag.IntVar(&bufferPieces, "buffer-pieces", config.MinPiecesToBuffer(),
		"minimum `number` of pieces buffered ahead of sequential readers")
	flag.Int64Var(&memoryMark, "mem", mem/2,
		"target memory usage in `bytes`")
	flag.StringVar(&proxyURL, "proxy", "",
		"`URL` of proxy to use for remote sources")
	flag.StringVar(&cpuprofile, "cpuprofile", "",
		"store CPU profile in `file`")
	flag.BoolVar(&config.Debug, "debug", false,
		"log debugging messages")

	flag.Parse()

	if config.Debug {
		log.Default = log.Default.FilterLevel(log.Debug)
		logger = log.Default.WithNames("stread")
	}

	psize, err := humanize.ParseBytes(pieceSize)
	if err != nil || psize == 0 || psize%uint64(config.ChunkSize) != 0 ||
		psize > 1<<30 {
		logger.Printf("Bad piece size %v", pieceSize)
		os.Exit(1)
	}
	rate, err := humanize.ParseBytes(fetchRate)
	if err != nil {
		logger.Printf("Bad rate %v: %v", fetchRate, err)
		os.Exit(1)
	}
	config.SetFetchRate(float64(rate))
	config.SetBufferMillis(bufferMillis)
	config.SetMinPiecesToBuffer(bufferPieces)
	config.SetMemoryMark(memoryMark)

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr,
			"Usage: %v [options] file-or-url...\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			logger.Printf("Create(cpuprofile): %v", err)
			return
		}
		pprof.StartCPUProfile(f)
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
		}()
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	for _, arg := range flag.Args() {
		t, err := open(ctx, arg, uint32(psize), proxyURL)
		if err != nil {
			logger.Printf("%v: %v", arg, err)
			return
		}
		_, err = tor.AddTorrent(ctx, t)
		if err != nil {
			logger.Printf("%v: %v", arg, err)
			continue
		}
		t.Log.Printf("Added %v (%v, %v pieces of %v)",
			t.Name, t.Hash(), t.NumPieces(),
			humanize.IBytes(psize))
	}

	registry := randread.NewRegistry()
	defer registry.Close()

	if mountpoint != "" {
		err := fuse.Serve(mountpoint, registry)
		if err != nil {
			logger.Printf("Couldn't mount directory: %v", err)
			return
		}
		defer func(mountpoint string) {
			err := fuse.Close(mountpoint)
			if err != nil {
				logger.Printf("Couldn't unmount directory: %v",
					err)
			}
		}(mountpoint)
	}

	server := &http.Server{
		Addr:    config.HTTPAddr,
		Handler: thttp.NewHandler(ctx),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("Listening on http://%v", config.HTTPAddr)
		err := server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		terminate := make(chan os.Signal, 1)
		signal.Notify(terminate, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(terminate)
		select {
		case <-terminate:
		case <-gctx.Done():
		}
		logger.Printf("Shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(),
			4*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	if err != nil {
		logger.Printf("Server: %v", err)
	}

	cancelCtx()
	timer := time.NewTimer(4 * time.Second)
	defer timer.Stop()
	tor.Range(func(h hash.Hash, t *tor.Torrent) bool {
		select {
		case <-t.Deleted:
			return true
		case <-timer.C:
			logger.Printf("Timeout waiting for %v", h)
			return false
		}
	})
}

// open creates a simulated download of a local file or of a remote file
// read with range requests.
func open(ctx context.Context, arg string, pieceSize uint32, proxy string) (*tor.Torrent, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		ws, err := webseed.New(ctx, arg, proxy)
		if err != nil {
			return nil, err
		}
		return tor.New(ws.Name(), pieceSize, []tor.Torfile{
			{Path: path.Parse(ws.Name()), Length: ws.Length()},
		}, ws)
	}

	f, err := os.Open(arg)
	if err != nil {
		return nil, err
	}
	t, err := tor.NewFromFile(f, pieceSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	go func() {
		<-t.Deleted
		f.Close()
	}()
	return t, nil
}
