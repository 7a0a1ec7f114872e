package libseat

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/seatd/internal/devices"
)

// noopSeat hands out devices without any access control or VT handling.
// The seat is always enabled.
type noopSeat struct {
	listener Listener
	sys      devices.System

	// Readable end of a pair that is kept readable until the initial
	// enable has been dispatched.
	fds     [2]int
	enabled bool

	devices map[int]int
	nextID  int
	closed  bool
}

// OpenNoop opens a seat that never disables. It suits single-user
// systems where the caller already has device access.
func OpenNoop(listener Listener) (Seat, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("libseat: socketpair: %w", err)
	}
	if _, err := unix.Write(fds[1], []byte{0}); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("libseat: prime noop seat: %w", err)
	}
	return &noopSeat{
		listener: listener,
		fds:      [2]int{fds[0], fds[1]},
		devices:  make(map[int]int),
		nextID:   1,
	}, nil
}

func (s *noopSeat) Name() string { return "seat0" }
func (s *noopSeat) FD() int      { return s.fds[0] }

func (s *noopSeat) Dispatch(timeout time.Duration) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.enabled {
		if timeout != 0 {
			pfd := []unix.PollFd{{Fd: int32(s.fds[0]), Events: unix.POLLIN}}
			unix.Poll(pfd, timeoutMillis(timeout))
		}
		return 0, nil
	}
	var b [1]byte
	unix.Read(s.fds[0], b[:])
	s.enabled = true
	s.listener.EnableSeat(s)
	return 1, nil
}

func (s *noopSeat) OpenDevice(path string) (Device, error) {
	if s.closed {
		return Device{}, ErrClosed
	}
	resolved, err := s.sys.Resolve(path)
	if err != nil {
		return Device{}, fmt.Errorf("libseat: open %s: %w", path, err)
	}
	fd, err := s.sys.Open(resolved)
	if err != nil {
		return Device{}, fmt.Errorf("libseat: open %s: %w", path, err)
	}
	id := s.nextID
	s.nextID++
	s.devices[id] = fd
	return Device{ID: id, FD: fd}, nil
}

func (s *noopSeat) CloseDevice(id int) error {
	fd, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("libseat: close device %d: %w", id, unix.ENOENT)
	}
	delete(s.devices, id)
	return s.sys.Close(fd)
}

func (s *noopSeat) SwitchSession(int) error {
	return fmt.Errorf("libseat: noop backend cannot switch sessions: %w", unix.ENOTSUP)
}

func (s *noopSeat) DisableSeat() error { return nil }

func (s *noopSeat) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for id, fd := range s.devices {
		s.sys.Close(fd)
		delete(s.devices, id)
	}
	unix.Close(s.fds[0])
	unix.Close(s.fds[1])
	return nil
}
