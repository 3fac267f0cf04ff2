// Package server runs the daemon's accept loops and the per-connection
// sessions that feed envelopes through the middleware chain.
//
// Request processing pipeline:
//
//	Accept conn → Session.run (one goroutine reads envelopes)
//	  → authenticate once → for each envelope, in order:
//	    → Codec.Decode → middleware chain → dispatcher → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"middlewared/auth"
	"middlewared/codec"
	"middlewared/logger"
	"middlewared/metrics"
	"middlewared/middleware"
	"middlewared/transport"

	"go.uber.org/zap"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records session and auth metrics on m. nil disables them.
func WithMetrics(m *metrics.RPC) Option {
	return func(s *Server) { s.metrics = m }
}

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithHeartbeat sends transport-level keep-alives on idle sessions every
// interval. Zero disables them.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) { s.heartbeat = interval }
}

// Server owns the listeners and sessions. One Server may serve any number
// of listeners concurrently.
type Server struct {
	handler   middleware.HandlerFunc
	authn     auth.Authenticator
	codec     codec.Codec
	logger    *zap.Logger
	metrics   *metrics.RPC
	heartbeat time.Duration

	ctx    context.Context // cancelled when Shutdown gives up waiting
	cancel context.CancelFunc

	mu        sync.Mutex
	shutdown  atomic.Bool
	listeners map[transport.Listener]struct{}
	sessions  map[*Session]struct{}
	nextID    atomic.Uint64
	calls     sync.WaitGroup // in-flight calls, guarded by mu for Add
}

// New creates a server that answers authenticated calls with handler and
// decides each session's authorization with authn.
func New(handler middleware.HandlerFunc, authn auth.Authenticator, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler:   handler,
		authn:     authn,
		codec:     &codec.JSONCodec{},
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[transport.Listener]struct{}),
		sessions:  make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.authn == nil {
		s.authn = auth.Static(false)
	}
	return s
}

// Serve accepts connections from l until l fails or the server shuts down.
// It always returns a non-nil error; after Shutdown it is ErrServerClosed.
func (s *Server) Serve(l transport.Listener) error {
	if !s.track(l) {
		_ = l.Close()
		return ErrServerClosed
	}
	defer s.untrack(l)

	s.logger.Info("serving", zap.String(logger.KeyLocal, l.Addr().String()))
	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener during shutdown makes Accept fail; the flag
			// distinguishes that from a real error.
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}
		sess := s.newSession(conn)
		if sess == nil {
			_ = conn.Close()
			continue
		}
		go sess.run(s.ctx)
	}
}

func (s *Server) track(l transport.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrack(l transport.Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) newSession(conn transport.Conn) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return nil
	}
	sess := newSession(s, s.nextID.Add(1), conn)
	s.sessions[sess] = struct{}{}
	return sess
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// beginCall registers an in-flight call. It fails once shutdown started so
// that Shutdown's Wait never races with a new Add.
func (s *Server) beginCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.calls.Add(1)
	return true
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag so new calls and sessions are refused
//  2. Close every listener (Serve returns ErrServerClosed)
//  3. Wait for in-flight calls, at most timeout
//  4. Close every session
//
// Handlers whose call already timed out but which are still running are
// waited for as well.
//
// If the wait times out, handler contexts are cancelled and an error is
// returned.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil {
			s.logger.Warn("closing listener", zap.String(logger.KeyLocal, l.Addr().String()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing calls to finish")
	}
	s.cancel()

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}

	s.logger.Info("server stopped", zap.Int("sessions_closed", len(sessions)))
	return err
}
