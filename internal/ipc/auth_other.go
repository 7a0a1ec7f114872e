//go:build !linux

package ipc

import (
	"errors"
	"runtime"
)

// GetPeerCredentials is only implemented on Linux.
func GetPeerCredentials(fd int) (*PeerCredentials, error) {
	return nil, errors.New("ipc: peer credentials unsupported on " + runtime.GOOS)
}
