// Tests for [Server] and [Client] over in-memory pipes covering the
// handshake, event dispatch, request replies, errors, and the
// BEFORE_QUIT / CLEANUP_COMPLETE exchange.
package hostipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"tools.zach/dev/presenced/internal/activity"
	"tools.zach/dev/presenced/internal/presence"
)

// ///////////////////////////////////////////////
// Test Helpers
// ///////////////////////////////////////////////

// fakeHandler records every event it receives.
type fakeHandler struct {
	mu      sync.Mutex
	inputs  []activity.InputKind
	windows []activity.WindowState
	live    bool
	status  presence.Status
	timeout time.Duration
	quits   int
	onQuit  func()
}

func (h *fakeHandler) Activity(kind activity.InputKind) {
	h.mu.Lock()
	h.inputs = append(h.inputs, kind)
	h.mu.Unlock()
}

func (h *fakeHandler) WindowState(state activity.WindowState) {
	h.mu.Lock()
	h.windows = append(h.windows, state)
	h.mu.Unlock()
}

func (h *fakeHandler) SetStatus(s presence.Status) error {
	if s == presence.Offline {
		return errors.New("offline is reserved for shutdown")
	}
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) SetLiveSession(active bool) {
	h.mu.Lock()
	h.live = active
	h.mu.Unlock()
}

func (h *fakeHandler) SetIdleTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeout = max(d, 100*time.Millisecond)
	h.mu.Unlock()
}

func (h *fakeHandler) Status() StatusData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StatusData{SubjectID: "alice", Status: string(h.status), Live: h.live, IdleTimeoutMS: h.timeout.Milliseconds()}
}

func (h *fakeHandler) BeforeQuit() {
	h.mu.Lock()
	h.quits++
	fn := h.onQuit
	h.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

// connect starts a server goroutine on one end of a pipe and returns a
// handshaken client on the other.
func connect(t *testing.T, srv *Server) *Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.ServeConn(serverConn)

	c, err := NewClient(clientConn, "test-shell")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

// ///////////////////////////////////////////////
// Handshake
// ///////////////////////////////////////////////

func TestHandshake_Ready(t *testing.T) {
	h := &fakeHandler{status: presence.Online}
	srv := NewServer(h, ReadyData{SubjectID: "alice", SessionID: "s-1"})
	c := connect(t, srv)

	ready := c.Ready()
	if ready.Version != ProtocolVersion || ready.SubjectID != "alice" || ready.SessionID != "s-1" {
		t.Errorf("Ready() = %+v", ready)
	}
	waitFor(t, func() bool { return srv.Connections() == 1 })
}

func TestHandshake_RejectsVersion(t *testing.T) {
	srv := NewServer(&fakeHandler{}, ReadyData{})
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	go srv.ServeConn(serverConn)

	if err := WriteFrame(clientConn, OpHandshake, Handshake{Version: 99}); err != nil {
		t.Fatal(err)
	}
	_, msg, err := ReadMessage(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Evt != EvtError {
		t.Errorf("reply = %q, want ERROR", msg.Evt)
	}
}

func TestHandshake_RequiresHandshakeOpcode(t *testing.T) {
	srv := NewServer(&fakeHandler{}, ReadyData{})
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		srv.ServeConn(serverConn)
		close(done)
	}()
	if err := WriteFrame(clientConn, OpFrame, Message{Evt: EvtQuery}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server kept a connection without a handshake")
	}
}

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

func TestEvents_Dispatch(t *testing.T) {
	h := &fakeHandler{status: presence.Online}
	srv := NewServer(h, ReadyData{SubjectID: "alice"})
	c := connect(t, srv)

	if err := c.Activity(activity.Keyboard); err != nil {
		t.Fatal(err)
	}
	if err := c.WindowState(activity.Minimized); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLiveSession(true); err != nil {
		t.Fatal(err)
	}

	// A request round-trip orders it after the events above.
	st, err := c.Query(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Live || st.Status != "online" {
		t.Errorf("Query() = %+v", st)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inputs) != 1 || h.inputs[0] != activity.Keyboard {
		t.Errorf("inputs = %v", h.inputs)
	}
	if len(h.windows) != 1 || h.windows[0] != activity.Minimized {
		t.Errorf("windows = %v", h.windows)
	}
}

func TestSetStatus(t *testing.T) {
	h := &fakeHandler{status: presence.Online}
	c := connect(t, NewServer(h, ReadyData{}))
	ctx := context.Background()

	st, err := c.SetStatus(ctx, presence.DND)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "dnd" {
		t.Errorf("status = %q, want dnd", st.Status)
	}

	_, err = c.SetStatus(ctx, presence.Offline)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remote.Evt != EvtSetStatus {
		t.Errorf("RemoteError.Evt = %q", remote.Evt)
	}

	_, err = c.SetStatus(ctx, "away")
	if !errors.As(err, &remote) {
		t.Errorf("invalid status error = %v, want RemoteError", err)
	}
}

func TestSetIdleTimeout(t *testing.T) {
	h := &fakeHandler{status: presence.Online}
	c := connect(t, NewServer(h, ReadyData{}))
	ctx := context.Background()

	st, err := c.SetIdleTimeout(ctx, 90*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.IdleTimeoutMS != 90_000 {
		t.Errorf("IdleTimeoutMS = %d, want 90000", st.IdleTimeoutMS)
	}

	// The reply carries the value the handler settled on.
	st, err = c.SetIdleTimeout(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.IdleTimeoutMS != 100 {
		t.Errorf("IdleTimeoutMS after negative = %d, want 100", st.IdleTimeoutMS)
	}

	var remote *RemoteError
	if err := c.request(ctx, EvtSetIdleTimeout, nil, EvtStatus, nil); !errors.As(err, &remote) {
		t.Errorf("missing data error = %v, want RemoteError", err)
	}
}

func TestRequest_ContextDeadline(t *testing.T) {
	// A server that handshakes and then never answers.
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	go func() {
		_, _, _ = DecodeFrame(serverConn)
		_ = WriteFrame(serverConn, OpFrame, Message{Evt: EvtReady, Data: []byte(`{"v":1}`)})
		for {
			if _, _, err := DecodeFrame(serverConn); err != nil {
				return
			}
		}
	}()
	c, err := NewClient(clientConn, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Query(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Query() error = %v, want deadline exceeded", err)
	}
}

// ///////////////////////////////////////////////
// Shutdown Exchange
// ///////////////////////////////////////////////

func TestBeforeQuit_WaitsForCleanupComplete(t *testing.T) {
	h := &fakeHandler{}
	srv := NewServer(h, ReadyData{})
	var cleaned sync.WaitGroup
	cleaned.Add(1)
	h.onQuit = func() {
		time.Sleep(30 * time.Millisecond)
		srv.NotifyCleanupComplete()
		cleaned.Done()
	}
	c := connect(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := c.BeforeQuit(ctx); err != nil {
		t.Fatalf("BeforeQuit: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("BeforeQuit returned before cleanup finished")
	}
	cleaned.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.quits != 1 {
		t.Errorf("BeforeQuit calls = %d, want 1", h.quits)
	}
}

func TestClient_NotConnected(t *testing.T) {
	h := &fakeHandler{}
	c := connect(t, NewServer(h, ReadyData{}))
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Activity(activity.Pointer); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}
