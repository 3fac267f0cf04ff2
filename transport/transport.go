// Package transport carries envelopes over message-framed duplex channels.
//
// Two transports are provided: websocket (each websocket message is one
// envelope) and stream (TCP or unix socket, framed with the protocol
// package). Both present the same Conn so sessions and clients do not care
// which one they run over.
package transport

import (
	"errors"
	"net"
	"net/http"
	"time"
)

// ErrClosed is returned by reads on a connection the peer closed cleanly,
// and by Accept on a closed listener.
var ErrClosed = errors.New("transport: closed")

// DefaultWriteTimeout bounds a single write to a peer that stopped reading.
const DefaultWriteTimeout = 10 * time.Second

func writeDeadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// Conn is one peer's duplex channel. ReadMessage must be called from a
// single goroutine; WriteMessage is safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Header returns the handshake headers, or nil if the transport has none.
	Header() http.Header
	// NetConn returns the underlying socket.
	NetConn() net.Conn
	// Kind names the transport, e.g. "websocket" or "stream".
	Kind() string
}

// Listener accepts Conns.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// Heartbeater is implemented by connections that can send keep-alive
// probes below the envelope layer.
type Heartbeater interface {
	WriteHeartbeat() error
}
