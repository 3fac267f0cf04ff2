// Package discovery announces a daemon's namespaces in etcd and lets
// clients find daemons serving a namespace.
//
//	Key:   /middlewared/{namespace}/{advertise}
//	Value: JSON-encoded Instance
//
// Entries are attached to a TTL lease kept alive while the daemon runs, so a
// crashed daemon disappears from discovery once its lease expires.
package discovery

import "context"

// Prefix is the root of every discovery key.
const Prefix = "/middlewared/"

// Instance is one daemon reachable at Addr.
type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // relative weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, namespace string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, namespace string, addr string) error
	Discover(ctx context.Context, namespace string) ([]Instance, error)
	Watch(ctx context.Context, namespace string) <-chan []Instance
}

// Key returns the etcd key of instance addr under namespace.
func Key(namespace, addr string) string {
	return Prefix + namespace + "/" + addr
}

func namespacePrefix(namespace string) string {
	return Prefix + namespace + "/"
}
