// Package roster keeps a live, resolved view of many subjects' presence.
//
// A roster follows a store watch and also re-resolves every known record on
// a sweep interval. The sweep is what turns a crashed or sleeping subject
// offline for readers: nobody writes "offline" for it, its lastSeen simply
// ages past the stale threshold.
package roster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/store"
)

// DefaultSweep is the re-resolution interval used for non-positive sweeps.
const DefaultSweep = 15 * time.Second

// ErrWatchClosed is returned by Run when the store ends the watch while the
// context is still live.
var ErrWatchClosed = errors.New("store watch closed")

// Watcher is the part of [store.Store] a roster needs.
type Watcher interface {
	Watch(ctx context.Context, pattern string) (<-chan presence.Record, error)
}

// Change reports a subject whose effective status moved. From is empty the
// first time a subject is seen.
type Change struct {
	SubjectID string
	From      presence.Status
	To        presence.Status
	Record    presence.Record
}

func (c Change) String() string {
	from := string(c.From)
	if from == "" {
		from = "-"
	}
	return fmt.Sprintf("%s %s -> %s", c.SubjectID, from, c.To)
}

// Entry is one row of a [Roster.Snapshot].
type Entry struct {
	Record    presence.Record
	Effective presence.Status
}

type member struct {
	rec       presence.Record
	effective presence.Status
}

// Roster is a resolved view of every subject matching a pattern.
type Roster struct {
	watcher  Watcher
	pattern  string
	resolver presence.Resolver
	sweep    time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	members map[string]member

	changes chan Change
}

// New returns a roster over w. Call [Roster.Run] to start it and drain
// [Roster.Changes] while it runs.
func New(w Watcher, pattern string, threshold, sweep time.Duration) *Roster {
	if sweep <= 0 {
		sweep = DefaultSweep
	}
	return &Roster{
		watcher:  w,
		pattern:  pattern,
		resolver: presence.NewResolver(threshold),
		sweep:    sweep,
		now:      time.Now,
		members:  make(map[string]member),
		changes:  make(chan Change, 16),
	}
}

// Changes delivers effective status changes. It is closed when Run returns.
func (r *Roster) Changes() <-chan Change {
	return r.changes
}

// Run follows the store until ctx is done or the watch ends.
func (r *Roster) Run(ctx context.Context) error {
	defer close(r.changes)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := r.watcher.Watch(ctx, r.pattern)
	if err != nil {
		return fmt.Errorf("watching %q: %w", r.pattern, err)
	}

	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ErrWatchClosed
			}
			if c, changed := r.apply(rec); changed {
				if !r.emit(ctx, c) {
					return ctx.Err()
				}
			}
		case <-ticker.C:
			for _, c := range r.resolveAll() {
				if !r.emit(ctx, c) {
					return ctx.Err()
				}
			}
		}
	}
}

func (r *Roster) emit(ctx context.Context, c Change) bool {
	select {
	case r.changes <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// apply stores rec and reports a change in its subject's effective status.
func (r *Roster) apply(rec presence.Record) (Change, bool) {
	if !store.Match(r.pattern, rec.SubjectID) {
		return Change{}, false
	}
	eff := r.resolver.Resolve(rec, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, known := r.members[rec.SubjectID]
	// Watches may redeliver an older value of the same session; keep its
	// newest heartbeat. A different session is a restart, possibly on a host
	// whose clock runs behind, and always replaces the old one.
	if known && rec.SessionID == prev.rec.SessionID && rec.LastSeen != 0 && rec.LastSeen < prev.rec.LastSeen {
		return Change{}, false
	}
	r.members[rec.SubjectID] = member{rec: rec, effective: eff}
	if known && prev.effective == eff {
		return Change{}, false
	}
	return Change{SubjectID: rec.SubjectID, From: prev.effective, To: eff, Record: rec}, true
}

// resolveAll re-resolves every member against the clock.
func (r *Roster) resolveAll() []Change {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Change
	for id, m := range r.members {
		eff := r.resolver.Resolve(m.rec, now)
		if eff == m.effective {
			continue
		}
		out = append(out, Change{SubjectID: id, From: m.effective, To: eff, Record: m.rec})
		m.effective = eff
		r.members[id] = m
	}
	slices.SortFunc(out, func(a, b Change) int { return strings.Compare(a.SubjectID, b.SubjectID) })
	return out
}

// Snapshot returns every known subject sorted by id, resolved at the
// current time.
func (r *Roster) Snapshot() []Entry {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, Entry{Record: m.rec, Effective: r.resolver.Resolve(m.rec, now)})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Record.SubjectID, b.Record.SubjectID) })
	return out
}

// Len returns the number of known subjects.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
