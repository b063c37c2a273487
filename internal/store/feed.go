package store

import (
	"context"
	"sync"

	"tools.zach/dev/presenced/internal/presence"
)

// Feed delivers records to one watcher. Pending records are keyed by
// subject, so a slow reader sees the newest value of each subject and never
// blocks the writer that offered it.
type Feed struct {
	pattern string
	out     chan presence.Record

	mu      sync.Mutex
	pending map[string]presence.Record
	order   []string
	closed  bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// NewFeed starts a feed for pattern. It closes its channel when ctx is done
// or Close is called.
func NewFeed(ctx context.Context, pattern string) *Feed {
	f := &Feed{
		pattern: pattern,
		out:     make(chan presence.Record),
		pending: make(map[string]presence.Record),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go f.pump(ctx)
	return f
}

// C returns the delivery channel.
func (f *Feed) C() <-chan presence.Record {
	return f.out
}

// Offer queues rec if its subject matches the feed pattern.
func (f *Feed) Offer(rec presence.Record) {
	if !Match(f.pattern, rec.SubjectID) {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if _, queued := f.pending[rec.SubjectID]; !queued {
		f.order = append(f.order, rec.SubjectID)
	}
	f.pending[rec.SubjectID] = rec
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close stops the feed. Safe to call more than once.
func (f *Feed) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.stop)
	})
}

// Done is closed once the feed has stopped.
func (f *Feed) Done() <-chan struct{} {
	return f.stop
}

func (f *Feed) pump(ctx context.Context) {
	defer close(f.out)
	defer f.Close()
	for {
		rec, ok := f.next()
		if !ok {
			select {
			case <-f.wake:
				continue
			case <-ctx.Done():
				return
			case <-f.stop:
				return
			}
		}
		select {
		case f.out <- rec:
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		}
	}
}

func (f *Feed) next() (presence.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return presence.Record{}, false
	}
	id := f.order[0]
	f.order = f.order[1:]
	rec := f.pending[id]
	delete(f.pending, id)
	return rec, true
}
