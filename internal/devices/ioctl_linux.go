//go:build linux

package devices

import "golang.org/x/sys/unix"

const (
	drmIoctlSetMaster  = 0x641e
	drmIoctlDropMaster = 0x641f
	eviocRevoke        = 0x40044591
)

func ioctlNoArg(fd int, req uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func setMaster(fd int) error  { return ioctlNoArg(fd, drmIoctlSetMaster) }
func dropMaster(fd int) error { return ioctlNoArg(fd, drmIoctlDropMaster) }
func revoke(fd int) error     { return ioctlNoArg(fd, eviocRevoke) }
