//go:build !linux

package devices

import "golang.org/x/sys/unix"

func setMaster(fd int) error  { return unix.ENOTSUP }
func dropMaster(fd int) error { return unix.ENOTSUP }
func revoke(fd int) error     { return unix.ENOTSUP }
