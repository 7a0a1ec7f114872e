//go:build linux

package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials returns the kernel-verified PID/UID/GID of the peer
// via SO_PEERCRED.
func GetPeerCredentials(fd int) (*PeerCredentials, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("ipc: getsockopt SO_PEERCRED: %w", err)
	}
	creds := &PeerCredentials{
		PID: int(cred.Pid),
		UID: cred.Uid,
		GID: cred.Gid,
	}
	creds.Command = lookupCommand(creds.PID)
	return creds, nil
}
