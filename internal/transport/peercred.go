//go:build linux || darwin

package transport

import (
	"fmt"
	"net"
	"os"
)

// peerUID returns the uid of the process on the other end of a Unix socket.
func peerUID(conn net.Conn) (uint32, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("connection is not unix")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var uid uint32
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		uid, credErr = socketPeerUID(int(fd))
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, fmt.Errorf("reading peer credentials: %w", credErr)
	}
	return uid, nil
}

func peerUIDMatchesCurrentUser(conn net.Conn) (bool, error) {
	uid, err := peerUID(conn)
	if err != nil {
		return false, err
	}
	return uid == uint32(os.Getuid()), nil
}
