// Package httpclient caches the HTTP clients used to fetch remote
// sources, one per proxy.
package httpclient

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

type client struct {
	client *http.Client
	time   time.Time
}

var mu sync.Mutex
var clients = make(map[string]client)

var runExpiry sync.Once

// Get returns a client that goes through proxy, which is either empty,
// an HTTP proxy URL or a SOCKS5 URL.
func Get(proxy string) (*http.Client, error) {
	runExpiry.Do(func() {
		go expire()
	})

	mu.Lock()
	defer mu.Unlock()
	cl, ok := clients[proxy]
	if ok {
		cl.time = time.Now()
		clients[proxy] = cl
		return cl.client, nil
	}
	transport, err := newTransport(proxy)
	if err != nil {
		return nil, err
	}
	cl = client{
		client: &http.Client{
			Transport: transport,
			Timeout:   50 * time.Second,
		},
		time: time.Now(),
	}
	clients[proxy] = cl
	return cl.client, nil
}

func newTransport(p string) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          30,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if p == "" {
		return transport, nil
	}

	u, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("Dialer is not ContextDialer")
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	default:
		return nil, errors.Errorf("unknown proxy scheme %v", u.Scheme)
	}
	return transport, nil
}

func expire() {
	for {
		time.Sleep(time.Minute +
			time.Duration(rand.Int63n(int64(time.Minute))))
		now := time.Now()
		func() {
			mu.Lock()
			defer mu.Unlock()
			for k, cl := range clients {
				if now.Sub(cl.time) > 10*time.Minute {
					delete(clients, k)
				}
			}
		}()
	}
}
