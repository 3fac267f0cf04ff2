package auth

import (
	"context"
	"fmt"
	"net"

	"middlewared/logger"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// ConnectionLister returns the host's socket table. It matches
// gopsutil's net.ConnectionsWithContext.
type ConnectionLister func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)

// UIDLookup returns the uids (real, effective, ...) of a process.
type UIDLookup func(ctx context.Context, pid int32) ([]uint32, error)

// SocketOwner authorizes a TCP peer when the process owning the peer's end
// of the connection runs as the privileged account on this host.
//
// The socket table row that describes the peer's end has the peer's
// address as its local endpoint and our listening port as its remote port.
// The daemon's own row for the same connection is owned by the daemon, so
// it says nothing about the caller.
type SocketOwner struct {
	PrivilegedUID uint32
	List          ConnectionLister
	LookupUIDs    UIDLookup
	Logger        *zap.Logger
}

// NewSocketOwner returns a SocketOwner backed by the live socket table.
func NewSocketOwner(privilegedUID uint32, log *zap.Logger) *SocketOwner {
	if log == nil {
		log = zap.NewNop()
	}
	return &SocketOwner{
		PrivilegedUID: privilegedUID,
		List:          gnet.ConnectionsWithContext,
		LookupUIDs:    processUIDs,
		Logger:        log,
	}
}

func processUIDs(ctx context.Context, pid int32) ([]uint32, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out, nil
}

func (a *SocketOwner) Authenticate(ctx context.Context, peer Peer) bool {
	uid, err := a.ownerUID(ctx, peer)
	if err != nil {
		a.Logger.Info("peer not authorized",
			zap.String(logger.KeyPeer, fmt.Sprint(peer.Remote)),
			zap.Error(err),
		)
		return false
	}
	if uid != a.PrivilegedUID {
		a.Logger.Info("peer not authorized",
			zap.String(logger.KeyPeer, fmt.Sprint(peer.Remote)),
			zap.Uint32(logger.KeyUID, uid),
		)
		return false
	}
	return true
}

func (a *SocketOwner) ownerUID(ctx context.Context, peer Peer) (uint32, error) {
	local, ok := peer.Local.(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("local address %v is not TCP", peer.Local)
	}
	remote, ok := peer.Remote.(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("remote address %v is not TCP", peer.Remote)
	}

	conns, err := a.List(ctx, "inet")
	if err != nil {
		return 0, fmt.Errorf("list sockets: %w", err)
	}

	for _, c := range conns {
		if c.Status != "ESTABLISHED" {
			continue
		}
		if c.Raddr.Port != uint32(local.Port) || c.Laddr.Port != uint32(remote.Port) {
			continue
		}
		if !sameIP(c.Laddr.IP, remote.IP) {
			continue
		}
		return a.rowOwner(ctx, c)
	}
	return 0, fmt.Errorf("no socket row for %s", remote)
}

// rowOwner prefers the effective uid. gopsutil only fills Uids when it
// could resolve the owning pid, so fall back to a process lookup.
func (a *SocketOwner) rowOwner(ctx context.Context, c gnet.ConnectionStat) (uint32, error) {
	uids := make([]uint32, len(c.Uids))
	for i, u := range c.Uids {
		uids[i] = uint32(u)
	}
	if len(uids) == 0 {
		if c.Pid <= 0 {
			return 0, fmt.Errorf("socket row has no owning process")
		}
		var err error
		if uids, err = a.LookupUIDs(ctx, c.Pid); err != nil {
			return 0, fmt.Errorf("lookup pid %d: %w", c.Pid, err)
		}
		if len(uids) == 0 {
			return 0, fmt.Errorf("pid %d has no uids", c.Pid)
		}
	}
	if len(uids) > 1 {
		return uids[1], nil
	}
	return uids[0], nil
}

func sameIP(a string, b net.IP) bool {
	ip := net.ParseIP(a)
	return ip != nil && ip.Equal(b)
}
