// Package terminal drives kernel virtual terminals for VT-bound seats:
// process-controlled switching, keyboard translation and text/graphics mode.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/breeze-rmm/seatd/internal/logging"
)

var log = logging.L("terminal")

// ErrUnsupported is returned on platforms without VT ioctls.
var ErrUnsupported = errors.New("terminal: virtual terminals unsupported on this platform")

// Signals the kernel raises at seatd for process-controlled switching.
var (
	ReleaseSignal = syscall.SIGUSR1
	AcquireSignal = syscall.SIGUSR2
)

// Terminal is the VT collaborator for seats. The zero value uses /dev.
type Terminal struct {
	// Dir holds the ttyN device nodes.
	Dir string
}

func (t *Terminal) path(vt int) string {
	dir := t.Dir
	if dir == "" {
		dir = "/dev"
	}
	return fmt.Sprintf("%s/tty%d", dir, vt)
}

// open returns a descriptor for /dev/ttyN; vt 0 is the current console.
func (t *Terminal) open(vt int) (*os.File, error) {
	if vt < 0 {
		return nil, fmt.Errorf("terminal: invalid vt %d", vt)
	}
	path := t.path(vt)
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("terminal: open %s: %w", path, err)
	}
	if !term.IsTerminal(int(f.Fd())) {
		f.Close()
		return nil, fmt.Errorf("terminal: %s is not a terminal", path)
	}
	return f, nil
}

// Open prepares vt for a graphical session: the kernel asks before
// switching away, keyboard input is no longer translated to the console,
// and the console stops drawing text.
func (t *Terminal) Open(vt int) error {
	f, err := t.open(vt)
	if err != nil {
		return err
	}
	defer f.Close()
	fd := int(f.Fd())

	if err := setProcessSwitching(fd, true); err != nil {
		return fmt.Errorf("terminal: vt %d: enable process switching: %w", vt, err)
	}
	if err := setKeyboard(fd, false); err != nil {
		log.Warn("could not disable keyboard translation", logging.KeyVT, vt, logging.KeyError, err)
	}
	if err := setGraphics(fd, true); err != nil {
		return fmt.Errorf("terminal: vt %d: enable graphics mode: %w", vt, err)
	}
	log.Debug("vt opened", logging.KeyVT, vt)
	return nil
}

// Close hands vt back to the kernel console.
func (t *Terminal) Close(vt int) error {
	f, err := t.open(vt)
	if err != nil {
		return err
	}
	defer f.Close()
	fd := int(f.Fd())

	var errs []error
	if err := setProcessSwitching(fd, false); err != nil {
		errs = append(errs, fmt.Errorf("disable process switching: %w", err))
	}
	if err := setKeyboard(fd, true); err != nil {
		errs = append(errs, fmt.Errorf("enable keyboard translation: %w", err))
	}
	if err := setGraphics(fd, false); err != nil {
		errs = append(errs, fmt.Errorf("enable text mode: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("terminal: vt %d: %w", vt, errors.Join(errs...))
	}
	log.Debug("vt closed", logging.KeyVT, vt)
	return nil
}

// CurrentVT returns the foreground VT.
func (t *Terminal) CurrentVT() (int, error) {
	f, err := t.open(0)
	if err != nil {
		return -1, err
	}
	defer f.Close()
	vt, err := currentVT(int(f.Fd()))
	if err != nil {
		return -1, fmt.Errorf("terminal: query active vt: %w", err)
	}
	return vt, nil
}

// Switch asks the kernel to bring vt to the foreground. The switch itself
// completes asynchronously through the release and acquire signals.
func (t *Terminal) Switch(cur, vt int) error {
	if cur <= 0 {
		cur = 0
	}
	f, err := t.open(cur)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := activate(int(f.Fd()), vt); err != nil {
		return fmt.Errorf("terminal: switch to vt %d: %w", vt, err)
	}
	return nil
}

// AckRelease allows a pending switch away from vt.
func (t *Terminal) AckRelease(vt int) error {
	return t.ack(vt, true)
}

// AckAcquire acknowledges that vt became active again.
func (t *Terminal) AckAcquire(vt int) error {
	return t.ack(vt, false)
}

func (t *Terminal) ack(vt int, release bool) error {
	if vt <= 0 {
		vt = 0
	}
	f, err := t.open(vt)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := relDisp(int(f.Fd()), release); err != nil {
		return fmt.Errorf("terminal: vt %d: acknowledge switch: %w", vt, err)
	}
	return nil
}
