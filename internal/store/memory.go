package store

import (
	"context"
	"sync"

	"tools.zach/dev/presenced/internal/presence"
)

// Memory is an in-process [Store]. It backs the "memory" backend and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]presence.Record
	feeds   map[*Feed]struct{}
	closed  bool
	puts    int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]presence.Record),
		feeds:   make(map[*Feed]struct{}),
	}
}

// Put implements [Store].
func (m *Memory) Put(ctx context.Context, rec presence.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.records[rec.SubjectID] = rec
	m.puts++
	feeds := m.feedsLocked()
	m.mu.Unlock()

	for _, f := range feeds {
		f.Offer(rec)
	}
	return nil
}

// Get implements [Store].
func (m *Memory) Get(ctx context.Context, subjectID string) (presence.Record, error) {
	if err := ctx.Err(); err != nil {
		return presence.Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return presence.Record{}, ErrClosed
	}
	rec, ok := m.records[subjectID]
	if !ok {
		return presence.Record{}, ErrNotFound
	}
	return rec, nil
}

// Watch implements [Store].
func (m *Memory) Watch(ctx context.Context, pattern string) (<-chan presence.Record, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	f := NewFeed(ctx, pattern)
	for _, rec := range m.records {
		f.Offer(rec)
	}
	m.feeds[f] = struct{}{}
	go func() {
		<-f.Done()
		m.mu.Lock()
		delete(m.feeds, f)
		m.mu.Unlock()
	}()
	return f.C(), nil
}

// Puts returns the number of successful writes.
func (m *Memory) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Close implements [Store].
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	feeds := m.feedsLocked()
	m.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
	return nil
}

func (m *Memory) feedsLocked() []*Feed {
	out := make([]*Feed, 0, len(m.feeds))
	for f := range m.feeds {
		out = append(out, f)
	}
	return out
}
