package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"middlewared/discovery"
	"middlewared/loadbalance"
	"middlewared/transport"

	"go.uber.org/zap"
)

// DialFunc opens a Client to one daemon address as published in discovery.
type DialFunc func(ctx context.Context, addr string) (*Client, error)

// WebsocketDialer dials ws://{addr}{path}.
func WebsocketDialer(path string, opts ...Option) DialFunc {
	if path == "" {
		path = transport.DefaultPath
	}
	return func(ctx context.Context, addr string) (*Client, error) {
		return Dial(ctx, "ws://"+addr+path, opts...)
	}
}

// ClusterConfig configures a Cluster.
type ClusterConfig struct {
	Registry   discovery.Registry
	Balancer   loadbalance.Balancer // defaults to round robin
	Dial       DialFunc             // defaults to WebsocketDialer("")
	MaxRetries int                  // extra attempts after a connection failure
	BaseDelay  time.Duration        // backoff before retry i is BaseDelay << i
	Logger     *zap.Logger
}

// Cluster spreads calls over the daemons discovery knows for each
// namespace, keeping one multiplexed Client per daemon.
//
// A call that fails because the connection broke is retried on a freshly
// picked daemon with exponential backoff. Errors reported by a daemon are
// never retried.
type Cluster struct {
	cfg ClusterConfig

	mu      sync.Mutex
	clients map[string]*Client // addr → connection
}

func NewCluster(cfg ClusterConfig) *Cluster {
	if cfg.Balancer == nil {
		cfg.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if cfg.Dial == nil {
		cfg.Dial = WebsocketDialer("")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cluster{cfg: cfg, clients: make(map[string]*Client)}
}

// Call routes method to a daemon announcing its namespace.
func (c *Cluster) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	namespace := method
	if i := strings.LastIndex(method, "."); i > 0 {
		namespace = method[:i]
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			c.cfg.Logger.Info("retrying call",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.callOnce(ctx, namespace, method, params)
		if err == nil || !retryable(ctx, err) {
			return result, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// CallInto is Call followed by decoding the result into out.
func (c *Cluster) CallInto(ctx context.Context, out any, method string, params ...any) error {
	result, err := c.Call(ctx, method, params...)
	if err != nil || out == nil {
		return err
	}
	return json.Unmarshal(result, out)
}

func (c *Cluster) callOnce(ctx context.Context, namespace, method string, params []any) (json.RawMessage, error) {
	instances, err := c.cfg.Registry.Discover(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", namespace, err)
	}
	inst, err := c.cfg.Balancer.Pick(namespace, instances)
	if err != nil {
		return nil, fmt.Errorf("pick daemon for %s: %w", namespace, err)
	}

	cl, err := c.client(ctx, inst.Addr)
	if err != nil {
		return nil, err
	}
	result, err := cl.Call(ctx, method, params...)
	if err != nil && errors.Is(err, ErrClosed) {
		c.evict(inst.Addr, cl)
	}
	return result, err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) || errors.Is(err, loadbalance.ErrNoInstances) {
		return false
	}
	return true
}

// client returns the pooled Client for addr, dialing if there is none or
// the pooled one is broken.
func (c *Cluster) client(ctx context.Context, addr string) (*Client, error) {
	c.mu.Lock()
	cl, ok := c.clients[addr]
	c.mu.Unlock()
	if ok && cl.Err() == nil {
		return cl, nil
	}

	fresh, err := c.cfg.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.clients[addr]; ok && cur != cl && cur.Err() == nil {
		// another goroutine won the dial race
		_ = fresh.Close()
		return cur, nil
	}
	c.clients[addr] = fresh
	return fresh, nil
}

func (c *Cluster) evict(addr string, cl *Client) {
	c.mu.Lock()
	if c.clients[addr] == cl {
		delete(c.clients, addr)
	}
	c.mu.Unlock()
	_ = cl.Close()
}

// Close closes every pooled connection.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, cl := range c.clients {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.clients, addr)
	}
	return errors.Join(errs...)
}
