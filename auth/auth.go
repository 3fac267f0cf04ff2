// Package auth decides, once per connection, whether the remote peer may
// issue calls. Every authenticator fails closed: any error while gathering
// evidence means "not authorized".
package auth

import (
	"context"
	"net"
	"net/http"
)

// Peer is what an authenticator can see about a freshly accepted connection.
type Peer struct {
	Local  net.Addr    // our end; for TCP its port is the listening port
	Remote net.Addr    // the caller's end
	Header http.Header // handshake headers, nil for stream transports
	Conn   net.Conn    // underlying socket, used for kernel credential checks
}

type Authenticator interface {
	Authenticate(ctx context.Context, peer Peer) bool
}

// Func adapts a plain function to Authenticator.
type Func func(ctx context.Context, peer Peer) bool

func (f Func) Authenticate(ctx context.Context, peer Peer) bool { return f(ctx, peer) }

// Static returns the same decision for every peer.
func Static(allow bool) Authenticator {
	return Func(func(context.Context, Peer) bool { return allow })
}

// AnyOf accepts a peer accepted by at least one of auths, trying them in
// order. With no authenticators it rejects everyone.
func AnyOf(auths ...Authenticator) Authenticator {
	return Func(func(ctx context.Context, peer Peer) bool {
		for _, a := range auths {
			if a.Authenticate(ctx, peer) {
				return true
			}
		}
		return false
	})
}
