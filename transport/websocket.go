package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultPath is the HTTP path the websocket listener upgrades on.
const DefaultPath = "/websocket"

// WebsocketConn implements Conn for a gorilla websocket.
type WebsocketConn struct {
	conn         *websocket.Conn
	header       http.Header
	writeTimeout time.Duration
	mu           sync.Mutex // serializes data frames only
	once         sync.Once
}

// NewWebsocketConn wraps an established websocket. header may be nil.
func NewWebsocketConn(conn *websocket.Conn, header http.Header, maxMessageSize int64) *WebsocketConn {
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	return &WebsocketConn{conn: conn, header: header, writeTimeout: DefaultWriteTimeout}
}

// SetWriteTimeout bounds every later WriteMessage. Zero disables the bound.
func (c *WebsocketConn) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

func (c *WebsocketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		// envelopes are JSON text; binary frames carry the same bytes
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WebsocketConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(writeDeadline(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteHeartbeat sends a websocket ping control frame.
func (c *WebsocketConn) WriteHeartbeat() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// Close sends a close frame (best effort, bounded by a short deadline)
// and closes the socket. Subsequent calls are no-ops. It does not wait for
// a WriteMessage in progress; closing the socket makes that write fail.
func (c *WebsocketConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

func (c *WebsocketConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *WebsocketConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *WebsocketConn) Header() http.Header  { return c.header }
func (c *WebsocketConn) NetConn() net.Conn    { return c.conn.NetConn() }
func (c *WebsocketConn) Kind() string         { return "websocket" }

// WebsocketConfig configures a WebsocketListener.
type WebsocketConfig struct {
	Addr           string        // host:port to listen on
	Path           string        // defaults to DefaultPath
	MaxMessageSize int64         // 0 for no limit
	WriteTimeout   time.Duration // defaults to DefaultWriteTimeout
	Logger         *zap.Logger
}

// WebsocketListener serves websocket upgrades on one HTTP path and hands
// each upgraded connection to Accept.
type WebsocketListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	maxSize  int64
	writeTO  time.Duration
	conns    chan Conn
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func ListenWebsocket(cfg WebsocketConfig) (*WebsocketListener, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", cfg.Addr, err)
	}

	l := &WebsocketListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		maxSize: cfg.MaxMessageSize,
		writeTO: cfg.WriteTimeout,
		conns:   make(chan Conn),
		done:    make(chan struct{}),
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket listener stopped", zap.Error(err))
		}
	}()
	return l, nil
}

func (l *WebsocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", zap.String("peer", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := NewWebsocketConn(ws, r.Header.Clone(), l.maxSize)
	conn.SetWriteTimeout(l.writeTO)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *WebsocketListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

// Close stops accepting upgrades. Connections already handed out are not
// affected.
func (l *WebsocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

func (l *WebsocketListener) Addr() net.Addr { return l.ln.Addr() }

// DialWebsocket connects to url (ws:// or wss://) sending header with the
// handshake.
func DialWebsocket(ctx context.Context, url string, header http.Header, maxMessageSize int64) (*WebsocketConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebsocketConn(ws, nil, maxMessageSize), nil
}
