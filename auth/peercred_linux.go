//go:build linux

package auth

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// PeerCred authorizes a unix-socket peer from the kernel's SO_PEERCRED
// credentials. TCP peers are rejected; use SocketOwner for those.
type PeerCred struct {
	PrivilegedUID uint32
	Logger        *zap.Logger
}

func (a *PeerCred) Authenticate(_ context.Context, peer Peer) bool {
	uid, err := peerUID(peer.Conn)
	if err != nil || uid != a.PrivilegedUID {
		if a.Logger != nil {
			a.Logger.Info("unix peer not authorized", zap.Uint32("uid", uid), zap.Error(err))
		}
		return false
	}
	return true
}

func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, errors.New("not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return cred.Uid, nil
}
