// Package event defines the events delivered by read requests to their
// listeners.
package event

import (
	"sync"

	"github.com/anacrolix/log"
)

var logger = log.Default.WithNames("event")

// Event is one of Blocked, Success or Failed.
type Event interface {
	isEvent()
}

// Blocked is sent when a request cannot progress because the data at
// Offset has not been written yet.
type Blocked struct {
	Offset int64
}

// Success carries the data read at Offset.  Listeners own Data.
type Success struct {
	Offset int64
	Data   []byte
}

// Failed is the terminal event of a request that did not complete.
type Failed struct {
	Err error
}

func (Blocked) isEvent() {}
func (Success) isEvent() {}
func (Failed) isEvent()  {}

type Listener func(Event)

// Listeners is a list of listeners safe for concurrent use.  The zero
// value is an empty list.
type Listeners struct {
	mu   sync.Mutex
	next int
	ls   []entry
}

type entry struct {
	id int
	f  Listener
}

// Add adds a listener and returns a function that removes it.
func (l *Listeners) Add(f Listener) (remove func()) {
	if f == nil {
		return func() {}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.ls = append(l.ls, entry{id, f})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.ls {
			if e.id == id {
				l.ls = append(l.ls[:i:i], l.ls[i+1:]...)
				return
			}
		}
	}
}

func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ls)
}

// Emit delivers e to every listener in the order they were added.
// Listeners are called without the lock held; a panicking listener is
// logged and does not prevent delivery to the others.
func (l *Listeners) Emit(e Event) {
	l.mu.Lock()
	ls := l.ls
	l.mu.Unlock()
	for _, en := range ls {
		call(en.f, e)
	}
}

func call(f Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Levelf(log.Error, "listener panicked on %T: %v", e, r)
		}
	}()
	f(e)
}
