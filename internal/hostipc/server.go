// Package hostipc is the local channel between the enclosing host (the
// desktop shell that owns the window) and the presence daemon.
//
// The host connects to a Unix domain socket, or a named pipe on Windows,
// sends a handshake, and then streams input edges, window states, manual
// status changes, the live-session flag and finally BEFORE_QUIT. The daemon
// answers BEFORE_QUIT with CLEANUP_COMPLETE once its shutdown tasks have
// settled.
//
// Frames are [4-byte LE opcode][4-byte LE length][JSON payload].
package hostipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"tools.zach/dev/presenced/internal/activity"
	"tools.zach/dev/presenced/internal/presence"
)

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// Handler receives decoded host events. Methods may be called concurrently
// from several connections.
type Handler interface {
	Activity(kind activity.InputKind)
	WindowState(state activity.WindowState)
	SetStatus(status presence.Status) error
	SetLiveSession(active bool)
	// SetIdleTimeout changes the inactivity timeout, restarting a pending
	// inactivity timer.
	SetIdleTimeout(d time.Duration)
	Status() StatusData
	// BeforeQuit starts shutdown. It must not block; completion is reported
	// later through [Server.NotifyCleanupComplete].
	BeforeQuit()
}

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Server accepts host connections and dispatches their events.
type Server struct {
	handler Handler
	ready   ReadyData

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*serverConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// serverConn is one accepted host connection.
type serverConn struct {
	conn   net.Conn
	client string
	// ready is set once the handshake succeeds. Guarded by Server.mu.
	ready bool
	// writeMu serializes frames written to conn.
	writeMu sync.Mutex
}

func (sc *serverConn) send(msg Message) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return WriteFrame(sc.conn, OpFrame, msg)
}

// NewServer returns a Server that greets hosts with ready.
func NewServer(h Handler, ready ReadyData) *Server {
	ready.Version = ProtocolVersion
	return &Server{
		handler: h,
		ready:   ready,
		conns:   make(map[*serverConn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	slog.Info("host ipc listening", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs the protocol on a single connection until it closes.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()

	sc := &serverConn{conn: conn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	defer s.drop(sc)

	if err := s.handshake(sc); err != nil {
		slog.Warn("host handshake failed", "error", err)
		return
	}
	slog.Info("host connected", "client", sc.client)

	for {
		opcode, msg, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("host connection ended", "client", sc.client, "error", err)
			}
			return
		}
		switch opcode {
		case OpClose:
			slog.Info("host disconnected", "client", sc.client)
			return
		case OpFrame:
			s.dispatch(sc, msg)
		default:
			slog.Warn("unexpected opcode from host", "opcode", opcode)
		}
	}
}

// handshake validates the host greeting and replies with READY.
func (s *Server) handshake(sc *serverConn) error {
	opcode, payload, err := DecodeFrame(sc.conn)
	if err != nil {
		return err
	}
	if opcode != OpHandshake {
		return fmt.Errorf("expected handshake, got opcode %d", opcode)
	}

	var hs Handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return fmt.Errorf("parse handshake: %w", err)
	}
	if hs.Version != ProtocolVersion {
		s.reply(sc, EvtError, "", ErrorData{Message: fmt.Sprintf("unsupported protocol version %d", hs.Version)})
		return fmt.Errorf("unsupported protocol version %d", hs.Version)
	}

	msg, err := newMessage(EvtReady, "", s.ready)
	if err != nil {
		return err
	}
	if err := sc.send(msg); err != nil {
		return err
	}

	s.mu.Lock()
	sc.client = hs.Client
	sc.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Server) drop(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}

// dispatch handles one host message and sends any reply.
func (s *Server) dispatch(sc *serverConn, msg Message) {
	var err error
	switch msg.Evt {
	case EvtActivity:
		var d ActivityData
		if err = msg.decode(&d); err == nil {
			var kind activity.InputKind
			if kind, err = activity.ParseInputKind(d.Kind); err == nil {
				s.handler.Activity(kind)
			}
		}
	case EvtWindowState:
		var d WindowStateData
		if err = msg.decode(&d); err == nil {
			var state activity.WindowState
			if state, err = activity.ParseWindowState(d.State); err == nil {
				s.handler.WindowState(state)
			}
		}
	case EvtLiveSession:
		var d LiveSessionData
		if err = msg.decode(&d); err == nil {
			s.handler.SetLiveSession(d.Active)
		}
	case EvtSetStatus:
		var d SetStatusData
		if err = msg.decode(&d); err == nil {
			var status presence.Status
			if status, err = presence.ParseStatus(d.Status); err == nil {
				err = s.handler.SetStatus(status)
			}
		}
		if err == nil {
			s.reply(sc, EvtStatus, msg.Nonce, s.handler.Status())
		}
	case EvtSetIdleTimeout:
		var d SetIdleTimeoutData
		if err = msg.decode(&d); err == nil {
			s.handler.SetIdleTimeout(time.Duration(d.MS) * time.Millisecond)
			s.reply(sc, EvtStatus, msg.Nonce, s.handler.Status())
		}
	case EvtQuery:
		s.reply(sc, EvtStatus, msg.Nonce, s.handler.Status())
	case EvtBeforeQuit:
		slog.Info("host is about to quit", "client", sc.client)
		s.handler.BeforeQuit()
	default:
		err = fmt.Errorf("unknown event %q", msg.Evt)
	}

	if err != nil {
		slog.Warn("rejected host event", "evt", msg.Evt, "error", err)
		s.reply(sc, EvtError, msg.Nonce, ErrorData{Message: err.Error()})
	}
}

func (s *Server) reply(sc *serverConn, evt, nonce string, data any) {
	msg, err := newMessage(evt, nonce, data)
	if err == nil {
		err = sc.send(msg)
	}
	if err != nil {
		slog.Debug("host reply failed", "evt", evt, "error", err)
	}
}

// NotifyCleanupComplete tells every connected host that shutdown cleanup
// has finished and it may terminate.
func (s *Server) NotifyCleanupComplete() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		if sc.ready {
			conns = append(conns, sc)
		}
	}
	s.mu.Unlock()

	for _, sc := range conns {
		s.reply(sc, EvtCleanupComplete, "", nil)
	}
	slog.Info("cleanup completion sent to hosts", "count", len(conns))
}

// Connections returns the number of hosts that completed the handshake.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sc := range s.conns {
		if sc.ready {
			n++
		}
	}
	return n
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for sc := range s.conns {
		sc.conn.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}
