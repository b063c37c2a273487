// Package activity turns raw input edges and window-state signals from the
// host into the two notifications the idle machine consumes: a coalesced
// activity pulse and a window-state change.
//
// Input edges can arrive thousands of times per second. They all funnel into
// one [Coalescer], so subscribers see at most one pulse per tick.
package activity

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tools.zach/dev/presenced/internal/logger"
)

// ///////////////////////////////////////////////
// Signals
// ///////////////////////////////////////////////

// InputKind is the kind of a raw input edge.
type InputKind int

const (
	Pointer InputKind = iota
	Keyboard
	Focus
	Visibility
)

var inputNames = map[InputKind]string{
	Pointer:    "pointer",
	Keyboard:   "keyboard",
	Focus:      "focus",
	Visibility: "visibility",
}

func (k InputKind) String() string {
	if name, ok := inputNames[k]; ok {
		return name
	}
	return fmt.Sprintf("InputKind(%d)", int(k))
}

// ParseInputKind converts an input kind name into an [InputKind].
func ParseInputKind(name string) (InputKind, error) {
	for k, n := range inputNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown input kind %q", name)
}

// WindowState is a window lifecycle signal reported by the host.
type WindowState int

const (
	Hidden WindowState = iota
	Minimized
	Restored
	Focused
	Shown
)

// WindowStates lists every window state.
var WindowStates = []WindowState{Hidden, Minimized, Restored, Focused, Shown}

var windowNames = map[WindowState]string{
	Hidden:    "hidden",
	Minimized: "minimized",
	Restored:  "restored",
	Focused:   "focused",
	Shown:     "shown",
}

func (s WindowState) String() string {
	if name, ok := windowNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WindowState(%d)", int(s))
}

// ParseWindowState converts a window state name into a [WindowState].
func ParseWindowState(name string) (WindowState, error) {
	for s, n := range windowNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown window state %q", name)
}

// ///////////////////////////////////////////////
// Coalescer
// ///////////////////////////////////////////////

// DefaultTick approximates one display frame.
const DefaultTick = 16 * time.Millisecond

// Coalescer collapses bursts of triggers into at most one call of fn per
// tick. A trigger that arrives while a tick is pending is dropped.
type Coalescer struct {
	tick time.Duration
	fn   func()

	pending atomic.Bool
	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
}

// NewCoalescer returns a Coalescer calling fn at most once per tick.
func NewCoalescer(tick time.Duration, fn func()) *Coalescer {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Coalescer{tick: tick, fn: fn}
}

// Trigger schedules fn unless a call is already pending. It never blocks.
func (c *Coalescer) Trigger() {
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.timer = time.AfterFunc(c.tick, c.fire)
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	closed := c.closed
	c.timer = nil
	c.mu.Unlock()
	c.pending.Store(false)
	if !closed {
		c.fn()
	}
}

// Stop cancels any pending call. Later triggers are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// ///////////////////////////////////////////////
// Monitor
// ///////////////////////////////////////////////

type subscriber struct {
	onActivity    func()
	onWindowState func(WindowState)
}

// Monitor fans coalesced activity pulses and window-state changes out to
// subscribers.
type Monitor struct {
	coalescer *Coalescer

	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
	closed bool

	inputs atomic.Uint64
	pulses atomic.Uint64
}

// NewMonitor returns a Monitor that emits at most one pulse per tick.
func NewMonitor(tick time.Duration) *Monitor {
	m := &Monitor{subs: make(map[int]subscriber)}
	m.coalescer = NewCoalescer(tick, m.pulse)
	return m
}

// Subscribe registers callbacks and returns an idempotent unsubscribe
// function. Either callback may be nil.
func (m *Monitor) Subscribe(onActivity func(), onWindowState func(WindowState)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = subscriber{onActivity: onActivity, onWindowState: onWindowState}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Input records one raw input edge.
func (m *Monitor) Input(kind InputKind) {
	m.inputs.Add(1)
	logger.Trace(slog.Default(), "input edge", "kind", kind)
	m.coalescer.Trigger()
}

// WindowState delivers a window-state change to every subscriber.
func (m *Monitor) WindowState(state WindowState) {
	slog.Debug("window state", "state", state)
	for _, s := range m.snapshot() {
		if s.onWindowState != nil {
			s.onWindowState(state)
		}
	}
}

// Stats returns the number of raw inputs received and pulses emitted.
func (m *Monitor) Stats() (inputs, pulses uint64) {
	return m.inputs.Load(), m.pulses.Load()
}

// Close stops pending pulses and drops all subscribers.
func (m *Monitor) Close() {
	m.coalescer.Stop()
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[int]subscriber)
	m.mu.Unlock()
}

func (m *Monitor) pulse() {
	m.pulses.Add(1)
	for _, s := range m.snapshot() {
		if s.onActivity != nil {
			s.onActivity()
		}
	}
}

func (m *Monitor) snapshot() []subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	out := make([]subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}
