package ipc

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// PeerCredentials identifies the process on the other end of a socket.
// seatd uses it for logs and the audit trail only; access control is the
// socket's file mode.
type PeerCredentials struct {
	PID     int
	UID     uint32
	GID     uint32
	Command string
}

// UnknownPeer stands in when credentials cannot be read.
var UnknownPeer = PeerCredentials{PID: -1, UID: ^uint32(0), GID: ^uint32(0)}

func (p *PeerCredentials) String() string {
	if p.Command != "" {
		return fmt.Sprintf("%s[%d] uid=%d gid=%d", p.Command, p.PID, p.UID, p.GID)
	}
	return fmt.Sprintf("pid=%d uid=%d gid=%d", p.PID, p.UID, p.GID)
}

func lookupCommand(pid int) string {
	if pid <= 0 {
		return ""
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := proc.Name()
	if err != nil {
		return ""
	}
	return name
}
