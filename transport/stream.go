package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"middlewared/protocol"
)

// StreamConn implements Conn over a byte stream using protocol frames.
// Heartbeat frames are consumed silently by ReadMessage.
type StreamConn struct {
	conn    net.Conn
	r       *bufio.Reader
	mu      sync.Mutex
	maxBody uint32
	writeTO time.Duration
}

func NewStreamConn(conn net.Conn, maxMessageSize uint32) *StreamConn {
	return &StreamConn{conn: conn, r: bufio.NewReader(conn), maxBody: maxMessageSize, writeTO: DefaultWriteTimeout}
}

// SetWriteTimeout bounds every later write. Zero disables the bound.
func (c *StreamConn) SetWriteTimeout(d time.Duration) { c.writeTO = d }

func (c *StreamConn) write(h *protocol.Header, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(writeDeadline(c.writeTO)); err != nil {
		return err
	}
	return protocol.Encode(c.conn, h, data)
}

func (c *StreamConn) ReadMessage() ([]byte, error) {
	for {
		header, body, err := protocol.Decode(c.r, c.maxBody)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		return body, nil
	}
}

func (c *StreamConn) WriteMessage(data []byte) error {
	return c.write(&protocol.Header{MsgType: protocol.MsgTypeMessage}, data)
}

func (c *StreamConn) WriteHeartbeat() error {
	return c.write(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
}

func (c *StreamConn) Close() error         { return c.conn.Close() }
func (c *StreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *StreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *StreamConn) Header() http.Header  { return nil }
func (c *StreamConn) NetConn() net.Conn    { return c.conn }
func (c *StreamConn) Kind() string         { return "stream" }

// SplitAddress maps "unix:/path" to ("unix", "/path") and anything else
// to ("tcp", addr).
func SplitAddress(addr string) (network, address string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", path
	}
	return "tcp", addr
}

// StreamListener accepts framed stream connections.
type StreamListener struct {
	ln      net.Listener
	maxBody uint32
}

// ListenStream listens on addr, see SplitAddress.
func ListenStream(addr string, maxMessageSize uint32) (*StreamListener, error) {
	network, address := SplitAddress(addr)
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	return &StreamListener{ln: ln, maxBody: maxMessageSize}, nil
}

func (l *StreamListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewStreamConn(conn, l.maxBody), nil
}

func (l *StreamListener) Close() error   { return l.ln.Close() }
func (l *StreamListener) Addr() net.Addr { return l.ln.Addr() }

// DialStream connects to a stream listener at addr, see SplitAddress.
func DialStream(ctx context.Context, addr string, maxMessageSize uint32) (*StreamConn, error) {
	network, address := SplitAddress(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return NewStreamConn(conn, maxMessageSize), nil
}
