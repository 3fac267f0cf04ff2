package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"middlewared/auth"
	"middlewared/dispatch"
	"middlewared/logger"
	"middlewared/message"
	"middlewared/middleware"
	"middlewared/transport"

	"go.uber.org/zap"
)

// State is a session's position in its lifecycle:
//
//	Connected → Authenticated | Rejected → Closed
//
// The authorization decision is taken once, before the first envelope is
// read, and never revisited.
type State int32

const (
	StateConnected State = iota
	StateAuthenticated
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one accepted connection. Envelopes are handled strictly in
// arrival order; a call finishes and its response is written before the
// next envelope is read.
type Session struct {
	id     uint64
	srv    *Server
	conn   transport.Conn
	state  atomic.Int32
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(srv *Server, id uint64, conn transport.Conn) *Session {
	return &Session{
		id:   id,
		srv:  srv,
		conn: conn,
		done: make(chan struct{}),
		logger: srv.logger.With(
			zap.Uint64(logger.KeySessionID, id),
			zap.String(logger.KeyPeer, addrString(conn.RemoteAddr())),
			zap.String(logger.KeyTransport, conn.Kind()),
		),
	}
}

func (s *Session) ID() uint64   { return s.id }
func (s *Session) State() State { return State(s.state.Load()) }

// Close closes the connection and moves the session to StateClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		close(s.done)
		_ = s.conn.Close()
		if prev != StateConnected {
			s.srv.metrics.SessionClosed(prev.String())
		}
		s.logger.Debug("session closed", zap.Stringer(logger.KeyState, prev))
		s.srv.removeSession(s)
	})
}

func (s *Session) run(ctx context.Context) {
	defer s.Close()

	s.authenticate(ctx)
	if s.srv.heartbeat > 0 {
		if hb, ok := s.conn.(transport.Heartbeater); ok {
			go s.keepAlive(hb)
		}
	}

	ctx = logger.WithSessionID(ctx, s.id)
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && s.State() != StateClosed {
				s.logger.Debug("read failed", zap.Error(err))
				s.srv.metrics.TransportFailure()
			}
			return
		}
		if err := s.handle(ctx, data); err != nil {
			if s.State() != StateClosed {
				s.logger.Debug("write failed", zap.Error(err))
				s.srv.metrics.TransportFailure()
			}
			return
		}
	}
}

func (s *Session) authenticate(ctx context.Context) {
	peer := auth.Peer{
		Local:  s.conn.LocalAddr(),
		Remote: s.conn.RemoteAddr(),
		Header: s.conn.Header(),
		Conn:   s.conn.NetConn(),
	}
	ok := s.srv.authn.Authenticate(ctx, peer)

	next := StateRejected
	if ok {
		next = StateAuthenticated
	}
	if !s.state.CompareAndSwap(int32(StateConnected), int32(next)) {
		return // closed while authenticating
	}
	s.srv.metrics.AuthDecision(ok)
	s.srv.metrics.SessionOpened(s.conn.Kind(), next.String())
	s.logger.Info("session opened", zap.Stringer(logger.KeyState, next))
}

func (s *Session) keepAlive(hb transport.Heartbeater) {
	ticker := time.NewTicker(s.srv.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := hb.WriteHeartbeat(); err != nil {
				s.logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// handle processes one inbound envelope. The returned error is a write
// failure, which ends the session.
func (s *Session) handle(ctx context.Context, data []byte) error {
	var req message.Request
	decodeErr := s.srv.codec.Decode(data, &req)

	if s.State() == StateRejected {
		// the id is echoed when it could be recovered
		return s.reply(dispatch.Result{Err: dispatch.Unauthenticated()}.Response(req.ID))
	}

	if decodeErr != nil {
		s.logger.Debug("malformed envelope", zap.Error(decodeErr))
		return s.reply(message.NewError(nil, fmt.Sprintf("invalid message: %v", decodeErr), ""))
	}

	switch req.Msg {
	case message.KindMethod:
		return s.call(ctx, &req)
	case message.KindPing:
		return s.reply(&message.Response{Msg: message.KindPong, ID: req.ID})
	case message.KindConnect:
		return s.reply(&message.Response{Msg: message.KindConnected, Session: strconv.FormatUint(s.id, 10)})
	default:
		s.logger.Debug("ignoring envelope", zap.String("msg", req.Msg))
		return nil
	}
}

func (s *Session) call(ctx context.Context, req *message.Request) error {
	if !s.srv.beginCall() {
		// shutting down: drop the session without answering
		s.Close()
		return nil
	}
	res := s.srv.handler(middleware.WithCallTracker(ctx, &s.srv.calls), req)
	s.srv.calls.Done()
	return s.reply(res.Response(req.ID))
}

func (s *Session) reply(resp *message.Response) error {
	data, err := s.srv.codec.Encode(resp)
	if err != nil {
		s.logger.Error("encoding response", zap.Error(err))
		return nil
	}
	return s.conn.WriteMessage(data)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
