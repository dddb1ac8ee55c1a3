//go:build !linux

package authz

import (
	"fmt"
	"net"
)

// PeerCredFromConn is unimplemented on non-Linux platforms; callers that
// need uid/gid-based authorization there should fall back to a
// configuration-only policy.
func PeerCredFromConn(conn net.Conn) (PeerCred, error) {
	return PeerCred{}, fmt.Errorf("authz: peer credential lookup not supported on this platform")
}
