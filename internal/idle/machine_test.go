// Package idle tests drive the machine with real timers at short durations
// and check auto-idle, live-session suppression, manual status precedence,
// and every window-state handler.
package idle

import (
	"sync"
	"testing"
	"time"

	"tools.zach/dev/presenced/internal/activity"
	"tools.zach/dev/presenced/internal/livesession"
	"tools.zach/dev/presenced/internal/presence"
)

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

// recorder collects snapshots emitted through OnChange.
type recorder struct {
	mu   sync.Mutex
	seen []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.seen...)
}

func newMachine(t *testing.T, idleTimeout, minimizedDelay time.Duration, live LiveSession) (*Machine, *recorder) {
	t.Helper()
	m := New(Config{IdleTimeout: idleTimeout, MinimizedDelay: minimizedDelay, InitialStatus: presence.Online}, live)
	rec := &recorder{}
	m.OnChange(rec.record)
	m.Start()
	t.Cleanup(m.Stop)
	return m, rec
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func isIdle(m *Machine) func() bool {
	return func() bool {
		s := m.Snapshot()
		return s.Status == presence.Idle && s.AutoIdle
	}
}

// ///////////////////////////////////////////////
// Inactivity
// ///////////////////////////////////////////////

func TestMachine_IdleAfterTimeout(t *testing.T) {
	m, rec := newMachine(t, 100*time.Millisecond, time.Minute, nil)

	time.Sleep(50 * time.Millisecond)
	if s := m.Snapshot(); s.Status != presence.Online {
		t.Fatalf("status at 50ms = %q, want online", s.Status)
	}

	time.Sleep(100 * time.Millisecond)
	if !waitFor(t, time.Second, isIdle(m)) {
		t.Fatalf("status after 150ms = %+v, want auto idle", m.Snapshot())
	}
	got := rec.all()
	if len(got) != 1 || got[0] != (Snapshot{Status: presence.Idle, AutoIdle: true}) {
		t.Errorf("emitted %v, want one auto-idle snapshot", got)
	}
}

func TestMachine_ActivityResetsTimer(t *testing.T) {
	m, _ := newMachine(t, 150*time.Millisecond, time.Minute, nil)

	for i := 0; i < 4; i++ {
		time.Sleep(75 * time.Millisecond)
		m.Activity()
	}
	if s := m.Snapshot(); s.Status != presence.Online {
		t.Fatalf("status = %q, want online while active", s.Status)
	}
}

func TestMachine_ActivityRecoversFromAutoIdle(t *testing.T) {
	m, rec := newMachine(t, 100*time.Millisecond, time.Minute, nil)
	if !waitFor(t, time.Second, isIdle(m)) {
		t.Fatal("never went idle")
	}

	m.Activity()
	if s := m.Snapshot(); s != (Snapshot{Status: presence.Online}) {
		t.Errorf("after activity = %+v, want online", s)
	}
	got := rec.all()
	if len(got) != 2 || got[1].Status != presence.Online {
		t.Errorf("emitted %v, want idle then online", got)
	}

	// The timer is re-armed, so inactivity idles again.
	if !waitFor(t, time.Second, isIdle(m)) {
		t.Error("did not go idle again after recovery")
	}
}

func TestMachine_LiveSessionSuppressesIdle(t *testing.T) {
	live := livesession.New()
	live.Set(true)
	m, rec := newMachine(t, 100*time.Millisecond, time.Minute, live)

	time.Sleep(350 * time.Millisecond)
	if s := m.Snapshot(); s.Status != presence.Online {
		t.Fatalf("status with live session = %q, want online", s.Status)
	}
	if got := rec.all(); len(got) != 0 {
		t.Errorf("emitted %v during live session", got)
	}

	// Once the session ends the re-armed timer idles the user.
	live.Set(false)
	if !waitFor(t, time.Second, isIdle(m)) {
		t.Error("did not go idle after the live session ended")
	}
}

// ///////////////////////////////////////////////
// Manual Status
// ///////////////////////////////////////////////

func TestMachine_ManualStatusNeverOverwritten(t *testing.T) {
	for _, s := range []presence.Status{presence.Invisible, presence.DND, presence.Offline} {
		t.Run(string(s), func(t *testing.T) {
			m, _ := newMachine(t, 100*time.Millisecond, 50*time.Millisecond, nil)
			if err := m.SetManualStatus(s); err != nil {
				t.Fatal(err)
			}

			time.Sleep(250 * time.Millisecond)
			m.HandleWindowState(activity.Hidden)
			m.HandleWindowState(activity.Minimized)
			time.Sleep(100 * time.Millisecond)
			m.Activity()

			if got := m.Snapshot(); got != (Snapshot{Status: s}) {
				t.Errorf("snapshot = %+v, want %q without auto idle", got, s)
			}
		})
	}
}

func TestMachine_ManualChangeClearsAutoIdle(t *testing.T) {
	m, _ := newMachine(t, 100*time.Millisecond, time.Minute, nil)
	if !waitFor(t, time.Second, isIdle(m)) {
		t.Fatal("never went idle")
	}

	if err := m.SetManualStatus(presence.DND); err != nil {
		t.Fatal(err)
	}
	if s := m.Snapshot(); s != (Snapshot{Status: presence.DND}) {
		t.Errorf("snapshot = %+v, want dnd without auto idle", s)
	}
}

func TestMachine_ManualIdleNotRevertedByActivity(t *testing.T) {
	m, _ := newMachine(t, time.Minute, time.Minute, nil)
	if err := m.SetManualStatus(presence.Idle); err != nil {
		t.Fatal(err)
	}
	m.Activity()
	if s := m.Snapshot(); s != (Snapshot{Status: presence.Idle}) {
		t.Errorf("snapshot = %+v, want manual idle", s)
	}
}

func TestMachine_SetManualStatusRejectsInvalid(t *testing.T) {
	m, _ := newMachine(t, time.Minute, time.Minute, nil)
	if err := m.SetManualStatus("away"); err == nil {
		t.Error("expected error for invalid status")
	}
}

// ///////////////////////////////////////////////
// Window States
// ///////////////////////////////////////////////

func TestMachine_WindowHandlersCoverEveryState(t *testing.T) {
	m := New(DefaultConfig(), nil)
	for _, s := range activity.WindowStates {
		if _, ok := m.windowHandlers[s]; !ok {
			t.Errorf("no handler for window state %q", s)
		}
	}
	if len(m.windowHandlers) != len(activity.WindowStates) {
		t.Errorf("handlers = %d, window states = %d", len(m.windowHandlers), len(activity.WindowStates))
	}
}

func TestMachine_HiddenForcesIdleImmediately(t *testing.T) {
	m, _ := newMachine(t, time.Minute, time.Minute, nil)
	m.HandleWindowState(activity.Hidden)
	if s := m.Snapshot(); s != (Snapshot{Status: presence.Idle, AutoIdle: true}) {
		t.Errorf("snapshot after hidden = %+v, want auto idle", s)
	}

	// Activity while hidden does not wake the user.
	m.Activity()
	if !isIdle(m)() {
		t.Error("activity while hidden left idle")
	}

	m.HandleWindowState(activity.Shown)
	if s := m.Snapshot(); s != (Snapshot{Status: presence.Online}) {
		t.Errorf("snapshot after shown = %+v, want online", s)
	}
}

func TestMachine_HiddenWithLiveSessionStaysOnline(t *testing.T) {
	live := livesession.New()
	live.Set(true)
	m, _ := newMachine(t, time.Minute, time.Minute, live)
	m.HandleWindowState(activity.Hidden)
	if s := m.Snapshot(); s.Status != presence.Online {
		t.Errorf("status = %q, want online during live session", s.Status)
	}
}

func TestMachine_MinimizedThenRestoredWithinGrace(t *testing.T) {
	m, rec := newMachine(t, time.Minute, 200*time.Millisecond, nil)

	m.HandleWindowState(activity.Minimized)
	time.Sleep(100 * time.Millisecond)
	m.HandleWindowState(activity.Restored)
	time.Sleep(250 * time.Millisecond)

	if s := m.Snapshot(); s.Status != presence.Online {
		t.Errorf("status = %q, want online", s.Status)
	}
	if got := rec.all(); len(got) != 0 {
		t.Errorf("emitted %v, want no transitions", got)
	}
}

func TestMachine_MinimizedGraceExpires(t *testing.T) {
	m, _ := newMachine(t, time.Minute, 100*time.Millisecond, nil)
	m.HandleWindowState(activity.Minimized)

	if isIdle(m)() {
		t.Fatal("idle before the grace period")
	}
	if !waitFor(t, time.Second, isIdle(m)) {
		t.Error("not idle after the grace period")
	}

	m.HandleWindowState(activity.Focused)
	if s := m.Snapshot(); s.Status != presence.Online {
		t.Errorf("status after focus = %q, want online", s.Status)
	}
}

func TestMachine_HiddenIdlesWhenLiveSessionEnds(t *testing.T) {
	live := livesession.New()
	live.Set(true)
	m, _ := newMachine(t, 100*time.Millisecond, time.Minute, live)

	m.HandleWindowState(activity.Hidden)
	time.Sleep(150 * time.Millisecond)
	if isIdle(m)() {
		t.Fatal("idle while the live session is active")
	}

	live.Set(false)
	if s := m.Snapshot(); s != (Snapshot{Status: presence.Idle, AutoIdle: true}) {
		t.Errorf("snapshot after live session ended = %+v, want auto idle", s)
	}
}

func TestMachine_MinimizedIdlesWhenLiveSessionEnds(t *testing.T) {
	tests := []struct {
		name     string
		grace    time.Duration
		wantIdle bool
	}{
		{"grace expired during session", 50 * time.Millisecond, true},
		{"grace still pending", time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := livesession.New()
			live.Set(true)
			m, _ := newMachine(t, time.Hour, tt.grace, live)

			m.HandleWindowState(activity.Minimized)
			time.Sleep(150 * time.Millisecond)
			if isIdle(m)() {
				t.Fatal("idle while the live session is active")
			}

			live.Set(false)
			if got := isIdle(m)(); got != tt.wantIdle {
				t.Errorf("idle after live session ended = %v, want %v", got, tt.wantIdle)
			}
		})
	}
}

func TestMachine_LiveSessionEndIgnoredAfterStop(t *testing.T) {
	live := livesession.New()
	live.Set(true)
	m, rec := newMachine(t, time.Minute, time.Minute, live)
	m.HandleWindowState(activity.Hidden)
	m.Stop()

	live.Set(false)
	if got := rec.all(); len(got) != 0 {
		t.Errorf("emitted %v after Stop", got)
	}
}

// ///////////////////////////////////////////////
// Timeout Changes and Teardown
// ///////////////////////////////////////////////

func TestMachine_SetIdleTimeoutRestartsTimer(t *testing.T) {
	m, _ := newMachine(t, time.Hour, time.Minute, nil)
	m.SetIdleTimeout(100 * time.Millisecond)
	if !waitFor(t, time.Second, isIdle(m)) {
		t.Error("new timeout was not applied to the outstanding timer")
	}
}

func TestMachine_SetIdleTimeoutClamps(t *testing.T) {
	m, _ := newMachine(t, time.Hour, time.Minute, nil)
	m.SetIdleTimeout(-5 * time.Second)
	if got := m.IdleTimeout(); got != MinIdleTimeout {
		t.Errorf("IdleTimeout() = %v, want %v", got, MinIdleTimeout)
	}
	m.SetIdleTimeout(0)
	if got := m.IdleTimeout(); got != MinIdleTimeout {
		t.Errorf("IdleTimeout() = %v, want %v", got, MinIdleTimeout)
	}
}

func TestMachine_StopCancelsTimers(t *testing.T) {
	m := New(Config{IdleTimeout: 100 * time.Millisecond, MinimizedDelay: time.Minute}, nil)
	rec := &recorder{}
	m.OnChange(rec.record)
	m.Start()
	m.Stop()
	m.Stop()

	time.Sleep(200 * time.Millisecond)
	if got := rec.all(); len(got) != 0 {
		t.Errorf("emitted %v after Stop", got)
	}
}
