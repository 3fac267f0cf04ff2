package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry connects to endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register stores instance under namespace with a ttl-second lease and
// keeps the lease alive until Deregister, Close, or cancellation of ctx.
//
// The lease id is tracked per key, not on the struct, so several
// namespaces can share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, namespace string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := Key(namespace, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive %s: %w", key, err)
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// drain responses so the keepalive channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes addr from namespace and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, namespace string, addr string) error {
	key := Key(namespace, addr)
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return fmt.Errorf("revoke lease for %s: %w", key, err)
		}
	}
	return nil
}

// Discover returns every instance currently registered for namespace.
// Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, namespace string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, namespacePrefix(namespace), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed discovery entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list of namespace after every change
// until ctx is cancelled. Re-listing is simpler than applying individual
// watch events.
func (r *EtcdRegistry) Watch(ctx context.Context, namespace string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, namespacePrefix(namespace), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, namespace)
			if err != nil {
				r.logger.Warn("re-listing after watch event", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
