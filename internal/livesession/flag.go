// Package livesession holds the "user is in a live session" flag.
//
// The flag is owned by whoever knows about live voice/video sessions (the
// host, over IPC). The idle machine reads it on every timer expiry and
// applies a held-back idle when it clears; the heartbeat coordinator watches
// it to switch cadence.
package livesession

import (
	"sync"
	"sync/atomic"
)

// Flag is a concurrency-safe boolean with change notification.
type Flag struct {
	active atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]func(bool)
}

// New returns an inactive Flag.
func New() *Flag {
	return &Flag{subs: make(map[int]func(bool))}
}

// Active reports whether a live session is in progress.
func (f *Flag) Active() bool {
	return f.active.Load()
}

// Set updates the flag. Subscribers are called synchronously, and only when
// the value actually changes.
func (f *Flag) Set(active bool) {
	if f.active.Swap(active) == active {
		return
	}
	f.mu.Lock()
	subs := make([]func(bool), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(active)
	}
}

// Subscribe registers fn for value changes and returns an idempotent
// unsubscribe function.
func (f *Flag) Subscribe(fn func(active bool)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}
