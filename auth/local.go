package auth

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// Local authorizes same-host peers running as the privileged account:
// unix-socket peers by kernel credentials, TCP peers by the socket table.
type Local struct {
	Unix Authenticator
	TCP  Authenticator
}

func NewLocal(privilegedUID uint32, log *zap.Logger) *Local {
	return &Local{
		Unix: &PeerCred{PrivilegedUID: privilegedUID, Logger: log},
		TCP:  NewSocketOwner(privilegedUID, log),
	}
}

func (a *Local) Authenticate(ctx context.Context, peer Peer) bool {
	if _, ok := peer.Conn.(*net.UnixConn); ok {
		return a.Unix.Authenticate(ctx, peer)
	}
	return a.TCP.Authenticate(ctx, peer)
}
