package tor

import (
	"sync"

	"github.com/jech/stread/download"
	"github.com/jech/stread/mono"
)

// Picker holds the preferences that readers express about the order in
// which pieces are fetched.
type Picker struct {
	mu        sync.Mutex
	hint      download.Hint
	hasHint   bool
	reverse   bool
	providers []download.RTAProvider
}

func (p *Picker) SetGlobalRequestHint(piece, offset, length int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if piece < 0 {
		p.hint = download.NoHint
		p.hasHint = false
		return
	}
	p.hint = download.Hint{Piece: piece, Offset: offset, Length: length}
	p.hasHint = true
}

func (p *Picker) GlobalRequestHint() (download.Hint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hint, p.hasHint
}

func (p *Picker) SetReverseBlockOrder(reverse bool) {
	p.mu.Lock()
	p.reverse = reverse
	p.mu.Unlock()
}

func (p *Picker) ReverseBlockOrder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reverse
}

func (p *Picker) AddRTAProvider(r download.RTAProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.providers {
		if q == r {
			return
		}
	}
	p.providers = append(p.providers, r)
}

func (p *Picker) RemoveRTAProvider(r download.RTAProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.providers {
		if q == r {
			p.providers = append(p.providers[:i], p.providers[i+1:]...)
			return
		}
	}
}

func (p *Picker) NumProviders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.providers)
}

// RTAs queries every provider and merges the results: each piece gets
// the earliest non-zero deadline.  It returns nil if no provider has a
// deadline.
func (p *Picker) RTAs(npieces int) []mono.Time {
	p.mu.Lock()
	providers := append([]download.RTAProvider(nil), p.providers...)
	p.mu.Unlock()

	var rtas []mono.Time
	for _, r := range providers {
		v := r.UpdateRTAs(p)
		for i, d := range v {
			if i >= npieces {
				break
			}
			if d == 0 {
				continue
			}
			if rtas == nil {
				rtas = make([]mono.Time, npieces)
			}
			if rtas[i] == 0 || d.Before(rtas[i]) {
				rtas[i] = d
			}
		}
	}
	return rtas
}
