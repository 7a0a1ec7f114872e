//go:build linux

package terminal

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// <linux/vt.h>, <linux/kd.h>
const (
	vtGetState = 0x5603
	vtSetMode  = 0x5602
	vtRelDisp  = 0x5605
	vtActivate = 0x5606

	vtAuto    = 0x00
	vtProcess = 0x01
	vtAckAcq  = 0x02

	kdSetMode  = 0x4B3A
	kdText     = 0x00
	kdGraphics = 0x01

	kdSkbMode = 0x4B45
	kOff      = 0x04
	kUnicode  = 0x03
)

type vtMode struct {
	mode   int8
	waitv  int8
	relsig int16
	acqsig int16
	frsig  int16
}

type vtStat struct {
	active uint16
	signal uint16
	state  uint16
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func setProcessSwitching(fd int, enable bool) error {
	mode := vtMode{mode: vtAuto}
	if enable {
		mode = vtMode{
			mode:   vtProcess,
			relsig: int16(ReleaseSignal),
			acqsig: int16(AcquireSignal),
		}
	}
	return ioctlPtr(fd, vtSetMode, unsafe.Pointer(&mode))
}

func setKeyboard(fd int, enable bool) error {
	mode := kOff
	if enable {
		mode = kUnicode
	}
	return unix.IoctlSetInt(fd, kdSkbMode, mode)
}

func setGraphics(fd int, enable bool) error {
	mode := kdText
	if enable {
		mode = kdGraphics
	}
	return unix.IoctlSetInt(fd, kdSetMode, mode)
}

func currentVT(fd int) (int, error) {
	var st vtStat
	if err := ioctlPtr(fd, vtGetState, unsafe.Pointer(&st)); err != nil {
		return -1, err
	}
	return int(st.active), nil
}

func activate(fd, vt int) error {
	return unix.IoctlSetInt(fd, vtActivate, vt)
}

func relDisp(fd int, release bool) error {
	arg := vtAckAcq
	if release {
		arg = 1
	}
	return unix.IoctlSetInt(fd, vtRelDisp, arg)
}
