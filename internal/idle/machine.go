// Package idle implements the idle timer state machine.
//
// The machine tracks two independent things: the status the user picked
// (the manual status) and whether the daemon has automatically marked them
// idle after a period without activity. The effective status is idle while
// auto-idle is set and the manual status otherwise. Automatic transitions
// only ever happen on top of a manual "online", so a chosen dnd, invisible
// or offline is never overwritten.
//
// Every state change goes through one mutex. Timer callbacks carry the
// generation they were armed under and do nothing if a newer handler has
// cleared or replaced them since.
package idle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/presenced/internal/activity"
	"tools.zach/dev/presenced/internal/presence"
)

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

const (
	// DefaultIdleTimeout is the inactivity period before auto-idle.
	DefaultIdleTimeout = 5 * time.Minute
	// MinIdleTimeout is the smallest accepted idle timeout. Smaller values
	// are clamped.
	MinIdleTimeout = 100 * time.Millisecond
	// DefaultMinimizedDelay is the grace period between a minimize and the
	// forced idle that follows it.
	DefaultMinimizedDelay = 30 * time.Second
)

// Config holds the machine's timing parameters.
type Config struct {
	IdleTimeout    time.Duration
	MinimizedDelay time.Duration
	// InitialStatus is the manual status the machine starts with.
	InitialStatus presence.Status
}

// DefaultConfig returns the default timings with an online initial status.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    DefaultIdleTimeout,
		MinimizedDelay: DefaultMinimizedDelay,
		InitialStatus:  presence.Online,
	}
}

// clampIdleTimeout returns d, or MinIdleTimeout when d is too small.
func clampIdleTimeout(d time.Duration) time.Duration {
	if d < MinIdleTimeout {
		slog.Warn("idle timeout below minimum, clamping", "requested", d, "min", MinIdleTimeout)
		return MinIdleTimeout
	}
	return d
}

// LiveSession reports whether the user is in a live voice or video session
// and notifies when that changes.
type LiveSession interface {
	Active() bool
	Subscribe(fn func(active bool)) (unsubscribe func())
}

// Snapshot is the machine's externally visible state.
type Snapshot struct {
	Status   presence.Status
	AutoIdle bool
}

// ///////////////////////////////////////////////
// Machine
// ///////////////////////////////////////////////

type windowMode int

const (
	windowVisible windowMode = iota
	windowHidden
	windowMinimized
)

type timerKind int

const (
	timerNone timerKind = iota
	timerIdle
	timerGrace
)

// Machine is the idle timer state machine.
type Machine struct {
	live LiveSession

	mu             sync.Mutex
	idleTimeout    time.Duration
	minimizedDelay time.Duration
	manual         presence.Status
	autoIdle       bool
	window         windowMode
	// graceDone is set when the minimize grace period ran out while the
	// window stayed minimized.
	graceDone      bool
	timer          *time.Timer
	kind           timerKind
	gen            uint64
	started        bool
	stopped        bool
	onChange       []func(Snapshot)
	windowHandlers map[activity.WindowState]func()
	unsubLive      func()
}

// New returns a Machine. live may be nil when live sessions are never
// reported. Timers are not armed until [Machine.Start].
func New(cfg Config, live LiveSession) *Machine {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MinimizedDelay <= 0 {
		cfg.MinimizedDelay = DefaultMinimizedDelay
	}
	if !cfg.InitialStatus.Valid() {
		cfg.InitialStatus = presence.Online
	}
	m := &Machine{
		live:           live,
		idleTimeout:    clampIdleTimeout(cfg.IdleTimeout),
		minimizedDelay: cfg.MinimizedDelay,
		manual:         cfg.InitialStatus,
	}
	m.windowHandlers = map[activity.WindowState]func(){
		activity.Hidden:    m.onHiddenLocked,
		activity.Minimized: m.onMinimizedLocked,
		activity.Restored:  m.onVisibleLocked,
		activity.Focused:   m.onVisibleLocked,
		activity.Shown:     m.onVisibleLocked,
	}
	return m
}

// OnChange registers fn to receive every change of the effective snapshot.
// fn runs with the machine locked and must not call back into it.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Start arms the first inactivity timer and starts following the live
// session flag.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	if m.live != nil {
		m.unsubLive = m.live.Subscribe(m.liveChanged)
	}
	m.armIdleLocked()
	slog.Debug("idle machine started", "timeout", m.idleTimeout, "status", m.manual)
}

// Stop cancels all timers and the live session subscription. Later calls to
// any method are ignored.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.clearTimerLocked()
	unsub := m.unsubLive
	m.unsubLive = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Snapshot returns the current effective state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// IdleTimeout returns the current inactivity timeout.
func (m *Machine) IdleTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleTimeout
}

// Activity handles a coalesced activity pulse.
func (m *Machine) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running() || m.window != windowVisible {
		return
	}
	m.clearTimerLocked()
	m.update(func() { m.autoIdle = false })
	m.armIdleLocked()
}

// HandleWindowState dispatches a window-state change.
func (m *Machine) HandleWindowState(state activity.WindowState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	handler, ok := m.windowHandlers[state]
	if !ok {
		slog.Warn("unhandled window state", "state", state)
		return
	}
	handler()
}

// SetManualStatus sets the user-chosen status. It clears auto-idle and
// supersedes any pending automatic transition.
func (m *Machine) SetManualStatus(s presence.Status) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", presence.ErrInvalidStatus, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.clearTimerLocked()
	m.update(func() {
		m.manual = s
		m.autoIdle = false
	})
	if m.started && m.window == windowVisible {
		m.armIdleLocked()
	}
	slog.Info("manual status set", "status", s)
	return nil
}

// SetIdleTimeout changes the inactivity timeout, clamping invalid values.
// An outstanding inactivity timer restarts with the new duration.
func (m *Machine) SetIdleTimeout(d time.Duration) {
	d = clampIdleTimeout(d)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
	if m.running() && m.kind == timerIdle {
		m.clearTimerLocked()
		m.armIdleLocked()
	}
}

// ///////////////////////////////////////////////
// Window-state handlers (called with mu held)
// ///////////////////////////////////////////////

func (m *Machine) onHiddenLocked() {
	m.clearTimerLocked()
	m.window = windowHidden
	m.graceDone = false
	m.forceIdleLocked("hidden")
}

func (m *Machine) onMinimizedLocked() {
	m.clearTimerLocked()
	m.window = windowMinimized
	m.graceDone = false
	m.armLocked(timerGrace, m.minimizedDelay, m.graceExpired)
}

func (m *Machine) onVisibleLocked() {
	m.clearTimerLocked()
	m.window = windowVisible
	m.graceDone = false
	m.update(func() { m.autoIdle = false })
	if m.started {
		m.armIdleLocked()
	}
}

// ///////////////////////////////////////////////
// Timers
// ///////////////////////////////////////////////

func (m *Machine) armIdleLocked() {
	if m.manual != presence.Online {
		return
	}
	m.armLocked(timerIdle, m.idleTimeout, m.idleExpired)
}

func (m *Machine) armLocked(kind timerKind, d time.Duration, fire func(gen uint64)) {
	m.gen++
	gen := m.gen
	m.kind = kind
	m.timer = time.AfterFunc(d, func() { fire(gen) })
}

// clearTimerLocked stops the outstanding timer. Bumping the generation also
// neutralizes a callback that has already fired and is waiting for mu.
func (m *Machine) clearTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.kind = timerNone
	m.gen++
}

func (m *Machine) idleExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.gen {
		return
	}
	m.timer = nil
	m.kind = timerNone
	if m.manual != presence.Online || m.autoIdle {
		return
	}
	if m.live != nil && m.live.Active() {
		slog.Debug("idle transition suppressed by live session")
		m.armIdleLocked()
		return
	}
	m.update(func() { m.autoIdle = true })
	slog.Info("inactive, marking idle", "timeout", m.idleTimeout)
}

func (m *Machine) graceExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.gen {
		return
	}
	m.timer = nil
	m.kind = timerNone
	m.graceDone = true
	m.forceIdleLocked("minimized")
}

// liveChanged applies a forced idle that a live session held back. No timer
// is pending while the window is hidden or past its minimize grace, so this
// is the only place that catches the end of the session.
func (m *Machine) liveChanged(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active || !m.running() {
		return
	}
	switch {
	case m.window == windowHidden:
		m.forceIdleLocked("hidden")
	case m.window == windowMinimized && m.graceDone:
		m.forceIdleLocked("minimized")
	}
}

// forceIdleLocked marks the user idle unless their manual status is not
// online or a live session is in progress.
func (m *Machine) forceIdleLocked(reason string) {
	if m.manual != presence.Online || m.autoIdle {
		return
	}
	if m.live != nil && m.live.Active() {
		slog.Debug("forced idle suppressed by live session", "reason", reason)
		return
	}
	m.update(func() { m.autoIdle = true })
	slog.Info("window not visible, marking idle", "reason", reason)
}

// ///////////////////////////////////////////////
// State
// ///////////////////////////////////////////////

func (m *Machine) running() bool {
	return m.started && !m.stopped
}

func (m *Machine) snapshotLocked() Snapshot {
	if m.autoIdle {
		return Snapshot{Status: presence.Idle, AutoIdle: true}
	}
	return Snapshot{Status: m.manual}
}

// update applies mutate and notifies listeners if the snapshot changed.
func (m *Machine) update(mutate func()) {
	before := m.snapshotLocked()
	mutate()
	after := m.snapshotLocked()
	if before == after {
		return
	}
	for _, fn := range m.onChange {
		fn(after)
	}
}
