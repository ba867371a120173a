package download

import (
	"sync"
)

type forcer interface {
	ForceStarted() bool
	SetForceStart(bool)
}

// ForceStart counts the readers that need a download to run.  The first
// reference sets the force-start flag unless it was already set; the
// flag is cleared when the last reference goes, and only if it was set
// through references.
type ForceStart struct {
	d       forcer
	applyMu sync.Mutex

	mu      sync.Mutex
	settled sync.Cond // signalled when pending drops to 0
	refs    int
	owned   bool
	pending int
}

func NewForceStart(d forcer) *ForceStart {
	f := &ForceStart{d: d}
	f.settled.L = &f.mu
	return f
}

// Acquire takes a reference.  It returns false, and takes nothing, if
// the download was force-started by somebody else.
func (f *ForceStart) Acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs > 0 {
		f.refs++
		return true
	}
	if f.pending == 0 && f.d.ForceStarted() {
		return false
	}
	f.refs = 1
	f.owned = true
	f.pending++
	go f.apply()
	return true
}

// Release drops a reference obtained by a successful Acquire.
func (f *ForceStart) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs <= 0 {
		return
	}
	f.refs--
	if f.refs == 0 && f.owned {
		f.owned = false
		f.pending++
		go f.apply()
	}
}

func (f *ForceStart) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

// apply brings the download's flag in line with the latest state.
// Calls are serialised so that a late apply cannot undo a newer one.
func (f *ForceStart) apply() {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()
	f.mu.Lock()
	want := f.owned
	f.mu.Unlock()
	if f.d.ForceStarted() != want {
		f.d.SetForceStart(want)
	}
	f.mu.Lock()
	f.pending--
	if f.pending == 0 {
		f.settled.Broadcast()
	}
	f.mu.Unlock()
}

// Wait blocks until the download's flag reflects every Acquire and
// Release made so far.
func (f *ForceStart) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pending > 0 {
		f.settled.Wait()
	}
}
