package tor

import (
	"bytes"
	"sync"

	"github.com/jech/stread/hash"
)

// registry holds the running torrents, keyed by hash.  A hash names at
// most one torrent at a time; a torrent that dies only removes its own
// entry.
var registry sync.Map

func key(h hash.Hash) (k [20]byte) {
	copy(k[:], h)
	return
}

// Get finds a torrent by hash.
func Get(h hash.Hash) *Torrent {
	v, ok := registry.Load(key(h))
	if !ok {
		return nil
	}
	return v.(*Torrent)
}

// GetByName finds a torrent by name.  If several torrents share a name,
// the one with the smallest hash is returned.
func GetByName(name string) *Torrent {
	var found *Torrent
	Range(func(_ hash.Hash, t *Torrent) bool {
		if t.Name == name &&
			(found == nil || bytes.Compare(t.hash, found.hash) < 0) {
			found = t
		}
		return true
	})
	return found
}

func add(t *Torrent) bool {
	_, exists := registry.LoadOrStore(key(t.hash), t)
	return !exists
}

func del(t *Torrent) {
	registry.CompareAndDelete(key(t.hash), t)
}

// Range calls f for every torrent until f returns false.
func Range(f func(hash.Hash, *Torrent) bool) {
	registry.Range(func(k, v any) bool {
		h := k.([20]byte)
		return f(h[:], v.(*Torrent))
	})
}

// Count returns the number of torrents being handled.
func Count() int {
	n := 0
	registry.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
