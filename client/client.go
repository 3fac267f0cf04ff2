// Package client is the Go caller side of the daemon's envelope protocol.
//
// A Client multiplexes concurrent calls over one connection. Each call gets
// a fresh correlation id and a background goroutine (recvLoop) routes
// every response to the caller waiting on that id:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ one connection ──→ daemon
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop: ←── result(id=2) → pending["2"] ← result → goroutine-2 wakes up
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"middlewared/codec"
	"middlewared/message"
	"middlewared/transport"

	"go.uber.org/zap"
)

// ErrClosed is returned for calls on a closed client and for calls still
// pending when the connection breaks.
var ErrClosed = errors.New("client: closed")

// RemoteError is an error reported by the daemon in a result envelope.
type RemoteError struct {
	Message    string
	Stacktrace string
}

func (e *RemoteError) Error() string { return e.Message }

type options struct {
	header         http.Header
	maxMessageSize int64
	heartbeat      time.Duration
	logger         *zap.Logger
}

type Option func(*options)

// WithHeader sends header with the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithToken authenticates with a bearer token.
func WithToken(token string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Set("Authorization", "Bearer "+token)
	}
}

func WithMaxMessageSize(n int64) Option {
	return func(o *options) { o.maxMessageSize = n }
}

// WithHeartbeat sends transport keep-alives every d. Zero disables them.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{heartbeat: 30 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client manages one multiplexed connection.
type Client struct {
	conn   transport.Conn
	codec  codec.Codec
	logger *zap.Logger
	seq    atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *message.Response // id → waiting caller
	err     error                             // set once the connection is gone
	done    chan struct{}
}

// Dial connects to a websocket endpoint such as ws://127.0.0.1:6000/websocket.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	conn, err := transport.DialWebsocket(ctx, url, o.header, o.maxMessageSize)
	if err != nil {
		return nil, err
	}
	return newClient(conn, o), nil
}

// DialStream connects to a framed stream listener, "host:port" or "unix:/path".
func DialStream(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	conn, err := transport.DialStream(ctx, addr, uint32(o.maxMessageSize))
	if err != nil {
		return nil, err
	}
	return newClient(conn, o), nil
}

// New wraps an established connection.
func New(conn transport.Conn, opts ...Option) *Client {
	return newClient(conn, buildOptions(opts))
}

func newClient(conn transport.Conn, o options) *Client {
	c := &Client{
		conn:    conn,
		codec:   &codec.JSONCodec{},
		logger:  o.logger,
		pending: make(map[string]chan *message.Response),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	if hb, ok := conn.(transport.Heartbeater); ok && o.heartbeat > 0 {
		go c.heartbeatLoop(hb, o.heartbeat)
	}
	return c
}

// Call invokes method with positional params and returns the raw result.
// A failure reported by the daemon is a *RemoteError.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode param %d of %s: %w", i, method, err)
		}
		raw[i] = b
	}
	resp, err := c.roundTrip(ctx, &message.Request{Msg: message.KindMethod, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, &RemoteError{Message: resp.Error.Error, Stacktrace: resp.Error.Stacktrace}
	}
	return resp.Result, nil
}

// CallInto is Call followed by decoding the result into out.
func (c *Client) CallInto(ctx context.Context, out any, method string, params ...any) error {
	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

// Ping sends an envelope-level ping and waits for the pong.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, &message.Request{Msg: message.KindPing})
	if err != nil {
		return err
	}
	if resp.Failed() {
		return &RemoteError{Message: resp.Error.Error}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	req.ID = json.RawMessage(id)

	body, err := c.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	// Register before writing so recvLoop cannot see the response first.
	ch := make(chan *message.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteMessage(body); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closeErr()
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// recvLoop is the connection's only reader.
func (c *Client) recvLoop() {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var resp message.Response
		if err := c.codec.Decode(data, &resp); err != nil {
			c.logger.Warn("dropping undecodable response", zap.Error(err))
			continue
		}
		if len(resp.ID) == 0 {
			if resp.Failed() {
				c.logger.Warn("daemon reported an error without id", zap.String("error", resp.Error.Error))
			}
			continue
		}

		id := string(resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// fail marks the client broken and wakes every pending caller.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if errors.Is(err, transport.ErrClosed) {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

func (c *Client) heartbeatLoop(hb transport.Heartbeater, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := hb.WriteHeartbeat(); err != nil {
				return
			}
		}
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the client stopped, or nil while it is usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(ErrClosed)
	return err
}
