//go:build linux

package authz

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredFromConn reads the connecting process's uid/gid/pid off the
// Unix domain socket using SO_PEERCRED.
func PeerCredFromConn(conn net.Conn) (PeerCred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerCred{}, fmt.Errorf("authz: not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCred{}, fmt.Errorf("authz: syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return PeerCred{}, fmt.Errorf("authz: control: %w", ctrlErr)
	}
	if sockErr != nil {
		return PeerCred{}, fmt.Errorf("authz: getsockopt SO_PEERCRED: %w", sockErr)
	}

	return PeerCred{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
