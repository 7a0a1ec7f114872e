//go:build !linux

package terminal

func setProcessSwitching(fd int, enable bool) error { return ErrUnsupported }
func setKeyboard(fd int, enable bool) error         { return ErrUnsupported }
func setGraphics(fd int, enable bool) error         { return ErrUnsupported }
func currentVT(fd int) (int, error)                 { return -1, ErrUnsupported }
func activate(fd, vt int) error                     { return ErrUnsupported }
func relDisp(fd int, release bool) error            { return ErrUnsupported }
