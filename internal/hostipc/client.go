package hostipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"tools.zach/dev/presenced/internal/activity"
	"tools.zach/dev/presenced/internal/presence"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrNotConnected is returned when an operation requires an active connection.
	ErrNotConnected = errors.New("not connected")
	// ErrDaemonNotRunning is returned by Dial when nothing listens on the address.
	ErrDaemonNotRunning = errors.New("presence daemon not running")
)

// RemoteError is an ERROR reply from the daemon.
type RemoteError struct {
	Evt     string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon rejected %s: %s", e.Evt, e.Message)
}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client is the host side of the IPC channel. It is used by presencectl and
// by hosts written in Go.
type Client struct {
	name string

	// mu protects conn and nonce, and serializes request/reply exchanges.
	mu    sync.Mutex
	conn  net.Conn
	nonce uint64
	ready ReadyData
}

// Dial connects to the daemon at address and performs the handshake.
func Dial(address, name string) (*Client, error) {
	conn, err := dial(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	c, err := NewClient(conn, name)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the handshake over an established connection.
func NewClient(conn net.Conn, name string) (*Client, error) {
	c := &Client{name: name, conn: conn}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

// Ready returns the READY payload received during the handshake.
func (c *Client) Ready() ReadyData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// handshake sends the greeting and waits for READY. The caller must not
// hold c.mu.
func (c *Client) handshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteFrame(c.conn, OpHandshake, Handshake{Version: ProtocolVersion, Client: c.name}); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	opcode, msg, err := ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	if opcode != OpFrame {
		return fmt.Errorf("unexpected handshake response opcode: %d", opcode)
	}
	switch msg.Evt {
	case EvtReady:
		if err := msg.decode(&c.ready); err != nil {
			return err
		}
		return nil
	case EvtError:
		var d ErrorData
		_ = msg.decode(&d)
		return fmt.Errorf("handshake rejected: %s", d.Message)
	default:
		return fmt.Errorf("unexpected handshake response %q", msg.Evt)
	}
}

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

// Activity reports one raw input edge.
func (c *Client) Activity(kind activity.InputKind) error {
	return c.send(EvtActivity, ActivityData{Kind: kind.String()})
}

// WindowState reports a window lifecycle change.
func (c *Client) WindowState(state activity.WindowState) error {
	return c.send(EvtWindowState, WindowStateData{State: state.String()})
}

// SetLiveSession reports the start or end of a live session.
func (c *Client) SetLiveSession(active bool) error {
	return c.send(EvtLiveSession, LiveSessionData{Active: active})
}

// SetStatus changes the manual status and returns the resulting state.
func (c *Client) SetStatus(ctx context.Context, status presence.Status) (StatusData, error) {
	var out StatusData
	err := c.request(ctx, EvtSetStatus, SetStatusData{Status: string(status)}, EvtStatus, &out)
	return out, err
}

// SetIdleTimeout changes the daemon's inactivity timeout and returns the
// resulting state, whose IdleTimeoutMS shows any clamping.
func (c *Client) SetIdleTimeout(ctx context.Context, d time.Duration) (StatusData, error) {
	var out StatusData
	err := c.request(ctx, EvtSetIdleTimeout, SetIdleTimeoutData{MS: d.Milliseconds()}, EvtStatus, &out)
	return out, err
}

// Query returns the daemon's current presence state.
func (c *Client) Query(ctx context.Context) (StatusData, error) {
	var out StatusData
	err := c.request(ctx, EvtQuery, nil, EvtStatus, &out)
	return out, err
}

// BeforeQuit announces termination and waits for CLEANUP_COMPLETE.
func (c *Client) BeforeQuit(ctx context.Context) error {
	return c.request(ctx, EvtBeforeQuit, nil, EvtCleanupComplete, nil)
}

// Close sends OpClose and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = WriteFrame(c.conn, OpClose, struct{}{})
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ///////////////////////////////////////////////
// Transport
// ///////////////////////////////////////////////

// send writes one event without waiting for a reply.
func (c *Client) send(evt string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.writeLocked(evt, data)
	return err
}

func (c *Client) writeLocked(evt string, data any) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}
	c.nonce++
	nonce := strconv.FormatUint(c.nonce, 10)
	msg, err := newMessage(evt, nonce, data)
	if err != nil {
		return "", err
	}
	if err := WriteFrame(c.conn, OpFrame, msg); err != nil {
		return "", fmt.Errorf("writing %s: %w", evt, err)
	}
	return nonce, nil
}

// request writes evt and reads frames until the reply named want arrives,
// an ERROR for this request arrives, or ctx is done.
func (c *Client) request(ctx context.Context, evt string, data any, want string, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.writeLocked(evt, data)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	defer c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	for {
		opcode, msg, err := ReadMessage(c.conn)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// Read deadlines are only ever set from ctx.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return context.DeadlineExceeded
			}
			return fmt.Errorf("reading %s reply: %w", evt, err)
		}
		if opcode == OpClose {
			return fmt.Errorf("daemon closed the connection: %w", ErrNotConnected)
		}
		if msg.Evt == EvtError && msg.Nonce == nonce {
			var d ErrorData
			_ = msg.decode(&d)
			return &RemoteError{Evt: evt, Message: d.Message}
		}
		if msg.Evt != want {
			continue
		}
		// CLEANUP_COMPLETE is a broadcast and carries no nonce.
		if msg.Nonce != "" && msg.Nonce != nonce {
			continue
		}
		if out != nil && len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, out); err != nil {
				return fmt.Errorf("parsing %s reply: %w", want, err)
			}
		}
		return nil
	}
}
